package proxy_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/dialer"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/httpparse"
	"github.com/die-net/spindle/internal/pki"
	"github.com/die-net/spindle/internal/proxy"
	"github.com/die-net/spindle/internal/proxy/proxytest"
	"github.com/die-net/spindle/internal/testutil"
	"github.com/die-net/spindle/internal/websocket"
)

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) find(name eventbus.Name) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type helloRoute struct {
	proxy.BaseWebPlugin
	routes []proxy.Route
}

// helloPlugin answers /hello on the given protocol classes.
func helloPlugin(protos ...proxy.Protocol) proxy.WebPluginFactory {
	return func(proxy.PluginContext) proxy.WebPlugin {
		r := &helloRoute{}
		for _, p := range protos {
			r.routes = append(r.routes, proxy.Route{Protocol: p, Pattern: "/hello"})
		}
		return r
	}
}

func (r *helloRoute) Routes() []proxy.Route { return r.routes }

func (r *helloRoute) HandleRequest(c *conn.Connection, req *httpparse.Parser) error {
	c.Queue(httpparse.BuildResponse(200, "OK", nil, []byte("hello "+req.URL.RequestURI())))
	return nil
}

// bigRoute answers /big with a body larger than any socket buffer.
type bigRoute struct {
	proxy.BaseWebPlugin
}

const bigBodySize = 8 << 20

func (bigRoute) Routes() []proxy.Route {
	return []proxy.Route{{Protocol: proxy.ProtocolHTTP, Pattern: "/big"}}
}

func (bigRoute) HandleRequest(c *conn.Connection, _ *httpparse.Parser) error {
	c.Queue(httpparse.BuildResponse(200, "OK", nil, bytes.Repeat([]byte("x"), bigBodySize)))
	return nil
}

type wsEchoRoute struct {
	opened, closed *atomic.Int32
}

func (r *wsEchoRoute) Routes() []proxy.Route {
	return []proxy.Route{{Protocol: proxy.ProtocolWebsocket, Pattern: "/ws"}}
}

func (r *wsEchoRoute) HandleRequest(*conn.Connection, *httpparse.Parser) error { return nil }

func (r *wsEchoRoute) OnWebsocketOpen(*conn.Connection) { r.opened.Add(1) }

func (r *wsEchoRoute) OnWebsocketMessage(c *conn.Connection, f *websocket.Frame) {
	b, _ := (&websocket.Frame{Fin: true, Opcode: f.Opcode, Payload: f.Payload}).Build()
	c.Queue(b)
}

func (r *wsEchoRoute) OnWebsocketClose() { r.closed.Add(1) }

type hookPlugin struct {
	proxy.BaseProxyPlugin
	before   func(*httpparse.Parser) (*httpparse.Parser, error)
	requests *atomic.Int32
	chunks   *atomic.Int64
}

func (p *hookPlugin) BeforeUpstreamConnection(req *httpparse.Parser) (*httpparse.Parser, error) {
	if p.before != nil {
		return p.before(req)
	}
	return req, nil
}

func (p *hookPlugin) HandleClientRequest(req *httpparse.Parser) (*httpparse.Parser, error) {
	if p.requests != nil {
		p.requests.Add(1)
	}
	return req, nil
}

func (p *hookPlugin) HandleUpstreamChunk(chunk []byte) []byte {
	if p.chunks != nil {
		p.chunks.Add(int64(len(chunk)))
	}
	return chunk
}

func hook(p *hookPlugin) proxy.ProxyPluginFactory {
	return func(proxy.PluginContext) proxy.ProxyPlugin { return p }
}

// startUpstream serves an HTTP origin that reports what it received.
func startUpstream(t *testing.T, tlsServer bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Via", r.Header.Get("Via"))
		w.Header().Set("X-Proxy-Auth", r.Header.Get("Proxy-Authorization"))
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI())
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	if tlsServer {
		srv.StartTLS()
	} else {
		srv.Start()
	}
	t.Cleanup(srv.Close)
	return srv, &conns
}

func proxyClient(t *testing.T, proxyAddr string, tlsConfig *tls.Config) *http.Client {
	t.Helper()

	tr := &http.Transport{
		Proxy:           http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr}),
		TLSClientConfig: tlsConfig,
	}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func get(t *testing.T, client *http.Client, u string) (*http.Response, string) {
	t.Helper()

	resp, err := client.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c, bufio.NewReader(c)
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()

	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func assertClosed(t *testing.T, br *bufio.Reader) {
	t.Helper()

	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestProxyForwardsRequests(t *testing.T) {
	t.Parallel()

	up, conns := startUpstream(t, false)
	events := &recorder{}
	addr := proxytest.Start(t, proxy.Config{Events: events})
	client := proxyClient(t, addr, nil)

	for i := range 2 {
		resp, body := get(t, client, up.URL+"/path?q="+strconv.Itoa(i))
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "GET /path?q="+strconv.Itoa(i), body)
		assert.Equal(t, "1.1 spindle", resp.Header.Get("X-Via"))
	}
	// Both requests rode one client connection, so one upstream served them.
	assert.EqualValues(t, 1, conns.Load())

	require.Eventually(t, func() bool { return len(events.find(eventbus.ResponseComplete)) == 2 }, 2*time.Second, 10*time.Millisecond)
	reqs := events.find(eventbus.RequestComplete)
	require.Len(t, reqs, 2)
	assert.Equal(t, "GET", eventbus.PayloadString(reqs[0].Payload, "method"))
	headers := events.find(eventbus.ResponseHeadersComplete)
	require.Len(t, headers, 2)
	code, ok := eventbus.PayloadInt(headers[0].Payload, "code")
	require.True(t, ok)
	assert.Equal(t, 200, code)
	size, ok := eventbus.PayloadInt(events.find(eventbus.ResponseComplete)[0].Payload, "encoded_response_size")
	require.True(t, ok)
	assert.Positive(t, size)
}

func TestProxySwitchesUpstream(t *testing.T) {
	t.Parallel()

	first, firstConns := startUpstream(t, false)
	second, secondConns := startUpstream(t, false)
	pool := conn.NewPool()
	t.Cleanup(func() { _ = pool.Close() })
	addr := proxytest.Start(t, proxy.Config{UpstreamPool: pool})
	client := proxyClient(t, addr, nil)

	for _, u := range []string{first.URL + "/a", second.URL + "/b", first.URL + "/c"} {
		want, err := url.Parse(u)
		require.NoError(t, err)
		resp, body := get(t, client, u)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "GET "+want.Path, body)
	}
	// The idle connection to the first upstream came back from the pool.
	assert.EqualValues(t, 1, firstConns.Load())
	assert.EqualValues(t, 1, secondConns.Load())
}

func TestProxyConnectTunnel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	addr := proxytest.Start(t, proxy.Config{})
	c, br := dial(t, addr)

	target := echo.Addr().String()
	_, err := fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	testutil.AssertEcho(t, c, br, []byte("through the tunnel"))
	testutil.AssertEcho(t, c, br, []byte("and back again"))
}

func TestProxyBadGateway(t *testing.T) {
	t.Parallel()

	dead := deadAddr(t)
	tests := []struct {
		name    string
		request string
		method  string
	}{
		{name: "plain", request: fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", dead, dead), method: "GET"},
		{name: "connect", request: fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", dead, dead), method: "CONNECT"},
	}

	addr := proxytest.Start(t, proxy.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, br := dial(t, addr)
			_, err := io.WriteString(c, tt.request)
			require.NoError(t, err)

			resp, body := readResponse(t, br, tt.method)
			assert.Equal(t, 502, resp.StatusCode)
			assert.True(t, resp.Close)
			assert.Equal(t, "Bad Gateway", body)
			assertClosed(t, br)
		})
	}
}

func TestProxyBasicAuth(t *testing.T) {
	t.Parallel()

	up, _ := startUpstream(t, false)
	host := up.Listener.Addr().String()
	addr := proxytest.Start(t, proxy.Config{BasicAuth: "user:pass"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: 407},
		{name: "wrong password", header: "Proxy-Authorization: Basic dXNlcjpub3Bl\r\n", want: 407},
		{name: "wrong scheme", header: "Proxy-Authorization: Bearer dXNlcjpwYXNz\r\n", want: 407},
		{name: "valid", header: "Proxy-Authorization: basic dXNlcjpwYXNz\r\n", want: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, br := dial(t, addr)
			_, err := fmt.Fprintf(c, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n%s\r\n", host, host, tt.header)
			require.NoError(t, err)

			resp, _ := readResponse(t, br, "GET")
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == 407 {
				assert.Equal(t, "Basic", resp.Header.Get("Proxy-Authenticate"))
				assertClosed(t, br)
				return
			}
			assert.Empty(t, resp.Header.Get("X-Proxy-Auth"))
		})
	}
}

func TestProxyPluginHooks(t *testing.T) {
	t.Parallel()

	up, _ := startUpstream(t, false)
	host := up.Listener.Addr().String()

	t.Run("reject", func(t *testing.T) {
		t.Parallel()

		p := &hookPlugin{before: func(*httpparse.Parser) (*httpparse.Parser, error) {
			return nil, &proxy.RequestRejectedError{StatusCode: 403, Reason: "Forbidden", Body: []byte("blocked")}
		}}
		addr := proxytest.Start(t, proxy.Config{ProxyPlugins: []proxy.ProxyPluginFactory{hook(p)}})
		c, br := dial(t, addr)
		_, err := fmt.Fprintf(c, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", host, host)
		require.NoError(t, err)

		resp, body := readResponse(t, br, "GET")
		assert.Equal(t, 403, resp.StatusCode)
		assert.Equal(t, "blocked", body)
		assertClosed(t, br)
	})

	t.Run("drop", func(t *testing.T) {
		t.Parallel()

		p := &hookPlugin{before: func(*httpparse.Parser) (*httpparse.Parser, error) { return nil, nil }}
		addr := proxytest.Start(t, proxy.Config{ProxyPlugins: []proxy.ProxyPluginFactory{hook(p)}})
		c, br := dial(t, addr)
		_, err := fmt.Fprintf(c, "GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", host, host)
		require.NoError(t, err)
		assertClosed(t, br)
	})

	t.Run("observe", func(t *testing.T) {
		t.Parallel()

		p := &hookPlugin{requests: &atomic.Int32{}, chunks: &atomic.Int64{}}
		addr := proxytest.Start(t, proxy.Config{ProxyPlugins: []proxy.ProxyPluginFactory{hook(p)}})
		resp, _ := get(t, proxyClient(t, addr, nil), up.URL+"/observed")
		assert.Equal(t, 200, resp.StatusCode)
		assert.EqualValues(t, 1, p.requests.Load())
		assert.Positive(t, p.chunks.Load())
	})
}

func TestProxyUpstreamChaining(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	up, _ := startUpstream(t, false)
	socks := testutil.StartSOCKS5Server(t, ctx, "", "")
	d := dialer.NewSOCKS5ProxyDialer(dialer.Config{DialTimeout: 2 * time.Second}, socks.Addr().String(), "", "")
	addr := proxytest.Start(t, proxy.Config{Dialer: d})

	resp, body := get(t, proxyClient(t, addr, nil), up.URL+"/chained")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "GET /chained", body)
}

func TestProxyTLSInterception(t *testing.T) {
	t.Parallel()

	ca, err := pki.NewCA("spindle test CA")
	require.NoError(t, err)

	up, _ := startUpstream(t, true)
	roots := x509.NewCertPool()
	roots.AddCert(up.Certificate())

	p := &hookPlugin{requests: &atomic.Int32{}}
	addr := proxytest.Start(t, proxy.Config{
		CA:           ca,
		UpstreamTLS:  &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
		ProxyPlugins: []proxy.ProxyPluginFactory{hook(p)},
	})
	client := proxyClient(t, addr, &tls.Config{RootCAs: ca.CertPool(), MinVersion: tls.VersionTLS12})

	for i := range 2 {
		resp, body := get(t, client, up.URL+"/secret/"+strconv.Itoa(i))
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "GET /secret/"+strconv.Itoa(i), body)
		// Only a proxy that saw the decrypted request could have added Via.
		assert.Equal(t, "1.1 spindle", resp.Header.Get("X-Via"))
		require.NotNil(t, resp.TLS)
		assert.Equal(t, "spindle test CA", resp.TLS.PeerCertificates[0].Issuer.CommonName)
	}
	assert.EqualValues(t, 2, p.requests.Load())
}

func TestPipelinedKeepAliveRequests(t *testing.T) {
	t.Parallel()

	addr := proxytest.Start(t, proxy.Config{
		EnableWebServer: true,
		WebPlugins:      []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTP)},
	})
	c, br := dial(t, addr)

	_, err := io.WriteString(c, "GET /hello?1 HTTP/1.1\r\nHost: proxy\r\n\r\nGET /hello?2 HTTP/1.1\r\nHost: proxy\r\n\r\n")
	require.NoError(t, err)
	for _, want := range []string{"hello /hello?1", "hello /hello?2"} {
		resp, body := readResponse(t, br, "GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, want, body)
	}

	// The connection is still usable afterwards.
	_, err = io.WriteString(c, "GET /hello?3 HTTP/1.1\r\nHost: proxy\r\n\r\n")
	require.NoError(t, err)
	_, body := readResponse(t, br, "GET")
	assert.Equal(t, "hello /hello?3", body)
}

func TestPipelinedRequestNotKeepAlive(t *testing.T) {
	t.Parallel()

	addr := proxytest.Start(t, proxy.Config{
		EnableWebServer: true,
		WebPlugins:      []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTP)},
	})
	c, br := dial(t, addr)

	_, err := io.WriteString(c, "GET /hello?1 HTTP/1.1\r\nHost: proxy\r\n\r\nGET /hello?2 HTTP/1.1\r\nHost: proxy\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	for _, want := range []string{"hello /hello?1", "hello /hello?2"} {
		_, body := readResponse(t, br, "GET")
		assert.Equal(t, want, body)
	}
	assertClosed(t, br)
}

func TestPipelinedNotKeepAliveFlushesLargeResponses(t *testing.T) {
	t.Parallel()

	addr := proxytest.Start(t, proxy.Config{
		EnableWebServer: true,
		WebPlugins:      []proxy.WebPluginFactory{func(proxy.PluginContext) proxy.WebPlugin { return bigRoute{} }},
	})
	c, br := dial(t, addr)

	_, err := io.WriteString(c, "GET /big HTTP/1.1\r\nHost: proxy\r\n\r\nGET /big HTTP/1.1\r\nHost: proxy\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	// Let the proxy queue both responses before the client starts reading.
	time.Sleep(300 * time.Millisecond)

	for range 2 {
		resp, body := readResponse(t, br, "GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Len(t, body, bigBodySize)
	}
	assertClosed(t, br)
}

func TestProxiedPipelineNotKeepAliveFlushesLargeResponses(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("y"), bigBodySize)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(up.Close)

	addr := proxytest.Start(t, proxy.Config{})
	c, br := dial(t, addr)

	host := up.Listener.Addr().String()
	_, err := fmt.Fprintf(c, "GET %[1]s/big HTTP/1.1\r\nHost: %[2]s\r\n\r\nGET %[1]s/big HTTP/1.1\r\nHost: %[2]s\r\nConnection: close\r\n\r\n", up.URL, host)
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	for range 2 {
		resp, got := readResponse(t, br, "GET")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Len(t, got, bigBodySize)
	}
	assertClosed(t, br)
}

func TestProxyPoolEvictsClosedUpstream(t *testing.T) {
	t.Parallel()

	up, _ := startUpstream(t, false)
	pool := conn.NewPool(conn.WithSweepInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = pool.Close() })
	addr := proxytest.Start(t, proxy.Config{UpstreamPool: pool})
	c, br := dial(t, addr)

	host := up.Listener.Addr().String()
	_, err := fmt.Fprintf(c, "GET %s/a HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", up.URL, host)
	require.NoError(t, err)
	_, got := readResponse(t, br, "GET")
	assert.Equal(t, "GET /a", got)
	assertClosed(t, br)
	assert.Equal(t, 1, pool.Len(host), "idle upstream kept for reuse")

	up.CloseClientConnections()
	assert.Eventually(t, func() bool {
		return pool.Len(host) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebServerDefaults(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	ws := func(proxy.PluginContext) proxy.WebPlugin { return &wsEchoRoute{opened: &opened, closed: &closed} }

	tests := []struct {
		name    string
		cfg     proxy.Config
		request string
		want    int
	}{
		{
			name:    "no route",
			cfg:     proxy.Config{EnableWebServer: true, WebPlugins: []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTP)}},
			request: "GET /missing HTTP/1.1\r\nHost: proxy\r\n\r\n",
			want:    404,
		},
		{
			name:    "web server disabled",
			cfg:     proxy.Config{WebPlugins: []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTP)}},
			request: "GET /hello HTTP/1.1\r\nHost: proxy\r\n\r\n",
			want:    404,
		},
		{
			name:    "https only route",
			cfg:     proxy.Config{EnableWebServer: true, WebPlugins: []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTPS)}},
			request: "GET /hello HTTP/1.1\r\nHost: proxy\r\n\r\n",
			want:    404,
		},
		{
			name:    "http proxy disabled",
			cfg:     proxy.Config{DisableHTTPProxy: true},
			request: "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want:    404,
		},
		{
			name:    "upgrade to other protocol",
			cfg:     proxy.Config{EnableWebServer: true, WebPlugins: []proxy.WebPluginFactory{ws}},
			request: "GET /ws HTTP/1.1\r\nHost: proxy\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n",
			want:    501,
		},
		{
			name:    "malformed",
			cfg:     proxy.Config{},
			request: "GET / HTTP/1.1\r\nbad header line\r\n\r\n",
			want:    400,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr := proxytest.Start(t, tt.cfg)
			c, br := dial(t, addr)
			_, err := io.WriteString(c, tt.request)
			require.NoError(t, err)

			resp, _ := readResponse(t, br, "GET")
			assert.Equal(t, tt.want, resp.StatusCode)
			assertClosed(t, br)
		})
	}
	assert.Zero(t, opened.Load())
}

func readFrame(t *testing.T, br *bufio.Reader) *websocket.Frame {
	t.Helper()

	var buf []byte
	for {
		b, err := br.ReadByte()
		require.NoError(t, err)
		buf = append(buf, b)
		f, n, err := websocket.Parse(buf)
		require.NoError(t, err)
		if f != nil {
			require.Equal(t, len(buf), n)
			return f
		}
	}
}

func clientFrame(t *testing.T, op websocket.Opcode, payload string) []byte {
	t.Helper()

	b, err := (&websocket.Frame{Fin: true, Opcode: op, Masked: true, Payload: []byte(payload)}).Build()
	require.NoError(t, err)
	return b
}

func TestWebsocketRoute(t *testing.T) {
	t.Parallel()

	var opened, closed atomic.Int32
	addr := proxytest.Start(t, proxy.Config{
		EnableWebServer: true,
		WebPlugins: []proxy.WebPluginFactory{func(proxy.PluginContext) proxy.WebPlugin {
			return &wsEchoRoute{opened: &opened, closed: &closed}
		}},
	})
	c, br := dial(t, addr)

	_, err := io.WriteString(c, "GET /ws HTTP/1.1\r\nHost: proxy\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, &http.Request{Method: "GET"})
	require.NoError(t, err)
	assert.Equal(t, 101, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	require.Eventually(t, func() bool { return opened.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A frame split across writes is reassembled.
	frame := clientFrame(t, websocket.OpText, "hello websocket")
	_, err = c.Write(frame[:5])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = c.Write(frame[5:])
	require.NoError(t, err)
	f := readFrame(t, br)
	assert.Equal(t, websocket.OpText, f.Opcode)
	assert.Equal(t, "hello websocket", string(f.Payload))

	_, err = c.Write(clientFrame(t, websocket.OpPing, "are you there"))
	require.NoError(t, err)
	f = readFrame(t, br)
	assert.Equal(t, websocket.OpPong, f.Opcode)
	assert.Equal(t, "are you there", string(f.Payload))

	_, err = c.Write(clientFrame(t, websocket.OpClose, ""))
	require.NoError(t, err)
	f = readFrame(t, br)
	assert.Equal(t, websocket.OpClose, f.Opcode)
	assertClosed(t, br)
	require.Eventually(t, func() bool { return closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerTLS(t *testing.T) {
	t.Parallel()

	ca, err := pki.NewCA("spindle test CA")
	require.NoError(t, err)
	addr := proxytest.Start(t, proxy.Config{
		ServerTLS:       ca.ServerConfig("localhost"),
		EnableWebServer: true,
		WebPlugins:      []proxy.WebPluginFactory{helloPlugin(proxy.ProtocolHTTPS)},
	})

	c, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: ca.CertPool(), ServerName: "localhost", MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(c, "GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.NoError(t, err)
	resp, body := readResponse(t, bufio.NewReader(c), "GET")
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello /hello", body)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("refused")
	err := error(&proxy.ConnectionFailedError{Host: "::1", Port: 443, Err: cause})
	assert.Equal(t, "connect upstream [::1]:443: refused", err.Error())
	assert.ErrorIs(t, err, cause)

	var cf *proxy.ConnectionFailedError
	require.ErrorAs(t, err, &cf)
	assert.Contains(t, string(cf.Response()), "HTTP/1.1 502 Bad Gateway\r\n")
	assert.Contains(t, string(cf.Response()), "Connection: close\r\n")

	var rr *proxy.RequestRejectedError
	require.ErrorAs(t, proxy.ErrProxyAuthFailed, &rr)
	assert.Equal(t, 407, rr.StatusCode)
	assert.Contains(t, string(rr.Response()), "Proxy-Authenticate: Basic\r\n")

	perr := &proxy.ProtocolError{Reason: "websocket closed by client"}
	assert.Equal(t, "http protocol error: websocket closed by client", perr.Error())
}
