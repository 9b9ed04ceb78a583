package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/engine"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/httpparse"
	"github.com/die-net/spindle/internal/websocket"
)

type mode int

const (
	modeUnknown mode = iota
	modeProxy
	modeTunnel
	modeWeb
	modeWebsocket
)

// forwardDisabled are hop-by-hop headers stripped from forwarded requests.
var forwardDisabled = []string{"Proxy-Authorization", "Proxy-Connection", "Connection", "Keep-Alive"}

// Handler speaks HTTP to one client connection. Depending on the first
// request it proxies to an upstream, relays a CONNECT tunnel (optionally
// intercepting its TLS), or serves the local web routes.
type Handler struct {
	id     string
	cfg    Config
	logger hclog.Logger
	cache  *routeCache

	client *conn.Connection

	upstream          *conn.Connection
	upstreamAddr      string
	upstreamHost      string
	upstreamPort      int
	upstreamPooled    bool
	upstreamKeepAlive bool

	request   *httpparse.Parser
	response  *httpparse.Parser
	pipelined bool

	mode        mode
	tlsClient   bool
	intercepted bool
	closing     bool
	closeErr    error
	tunnelHost  string
	tunnelPort  int

	proxyPlugins []ProxyPlugin
	webPlugins   []WebPlugin
	routes       map[Protocol][]route
	route        WebPlugin
	wsBuf        []byte

	started  time.Time
	reqStart time.Time
	last     time.Time
	sent     int
	received int
}

// NewFactory returns an engine.Factory that wraps every accepted client
// in a Handler.
func NewFactory(cfg Config) engine.Factory {
	cfg = cfg.withDefaults()
	if cfg.BasicAuth != "" {
		cfg.ProxyPlugins = append([]ProxyPluginFactory{NewAuthPlugin(cfg.BasicAuth)}, cfg.ProxyPlugins...)
	}
	cache := &routeCache{}
	logger := cfg.Logger.Named("proxy")

	return func(client *conn.Connection) (engine.Work, error) {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("work id: %w", err)
		}
		return &Handler{
			id:      id,
			cfg:     cfg,
			logger:  logger.With("work", id),
			cache:   cache,
			client:  client,
			request: httpparse.NewRequestParser(),
		}, nil
	}
}

func (h *Handler) ID() string { return h.id }

func (h *Handler) Initialize(context.Context) error {
	h.started = time.Now()
	h.last = h.started

	if h.cfg.ServerTLS != nil {
		if err := h.upgradeClient(h.cfg.ServerTLS); err != nil {
			return err
		}
	}

	pctx := PluginContext{WorkID: h.id, Client: h.client, Events: h.cfg.Events, Logger: h.logger}
	for _, f := range h.cfg.ProxyPlugins {
		if p := f(pctx); p != nil {
			h.proxyPlugins = append(h.proxyPlugins, p)
		}
	}
	if h.cfg.EnableWebServer {
		for _, f := range h.cfg.WebPlugins {
			if p := f(pctx); p != nil {
				h.webPlugins = append(h.webPlugins, p)
			}
		}
		routes, err := h.cache.buildRoutes(h.webPlugins)
		if err != nil {
			return err
		}
		h.routes = routes
	}

	h.logger.Debug("handling connection", "client", h.client.Addr(), "tls", h.tlsClient)
	return nil
}

// Events asks for client reads unless a response is pending or the upstream
// is backed up, and for upstream reads unless the client is.
func (h *Handler) Events() map[int]engine.Interest {
	ev := make(map[int]engine.Interest, 2)

	var in engine.Interest
	if !h.closing && h.response == nil && (h.upstream == nil || h.upstream.BufferSize() < h.cfg.ClientRecvBufSize) {
		in |= engine.Readable
	}
	if h.client.HasBuffer() {
		in |= engine.Writable
	}
	if in != 0 {
		ev[h.client.Fd()] = in
	}

	if h.upstream != nil {
		var up engine.Interest
		if h.client.BufferSize() < h.cfg.ServerRecvBufSize {
			up |= engine.Readable
		}
		if h.upstream.HasBuffer() {
			up |= engine.Writable
		}
		if up != 0 {
			ev[h.upstream.Fd()] = up
		}
	}
	return ev
}

func (h *Handler) HandleEvents(ctx context.Context, readable, writable []int) (bool, error) {
	clientFd := h.client.Fd()
	up := h.upstream
	upFd := -1
	if up != nil {
		upFd = up.Fd()
	}

	if slices.Contains(writable, clientFd) {
		if _, err := h.client.Flush(h.cfg.MaxSendSize); err != nil {
			return true, err
		}
		h.last = time.Now()
	}
	if up != nil && slices.Contains(writable, upFd) {
		if _, err := up.Flush(h.cfg.MaxSendSize); err != nil {
			return true, err
		}
	}

	if slices.Contains(readable, clientFd) {
		if teardown, err := h.readClient(ctx); teardown || err != nil {
			return true, err
		}
	}
	// The client side may have replaced the upstream in the meantime.
	if up != nil && up == h.upstream && slices.Contains(readable, upFd) {
		if teardown, err := h.readUpstream(ctx); teardown || err != nil {
			return true, err
		}
	}

	if h.closing && !h.client.HasBuffer() {
		return true, h.closeErr
	}
	return false, nil
}

// IsInactive reports an idle connection, or one whose client stopped
// reading the final response.
func (h *Handler) IsInactive() bool {
	return (h.closing || !h.client.HasBuffer()) && time.Since(h.last) > h.cfg.Timeout
}

// Shutdown makes one non-blocking attempt to flush queued output, such as
// an error response, before closing both sides.
func (h *Handler) Shutdown() {
	if !h.client.Closed() {
		if err := h.client.Drain(0); err != nil {
			h.logger.Trace("client flush incomplete", "error", err)
		}
	}

	switch h.mode {
	case modeTunnel:
		if h.upstream != nil {
			_ = h.upstream.Drain(0)
		}
		h.logger.Info("tunnel", "client", h.client.Addr(), "upstream", h.upstreamAddr,
			"sent", h.sent, "received", h.received, "duration", time.Since(h.reqStart))
	case modeWebsocket:
		h.route.OnWebsocketClose()
	}

	h.releaseUpstream()
	if err := h.client.Close(); err != nil {
		h.logger.Debug("client close failed", "error", err)
	}
	h.logger.Debug("connection closed", "client", h.client.Addr(), "duration", time.Since(h.started))
}

func (h *Handler) readClient(ctx context.Context) (bool, error) {
	data, err := h.client.Recv(h.cfg.ClientRecvBufSize)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	if len(data) == 0 {
		return false, nil
	}
	h.last = time.Now()

	switch h.mode {
	case modeTunnel:
		if h.upstream == nil {
			return true, nil
		}
		h.sent += len(data)
		h.upstream.Queue(data)
		return false, nil
	case modeWebsocket:
		return h.onWebsocketData(data)
	}

	if err := h.request.Parse(data); err != nil {
		return h.fail(badRequest(err))
	}
	return h.serveRequests(ctx)
}

// serveRequests handles each complete request in turn. Requests pipelined
// behind one that is waiting on upstream stay buffered until its response
// completes.
func (h *Handler) serveRequests(ctx context.Context) (bool, error) {
	for h.request.IsComplete() && h.response == nil && !h.closing {
		req := h.request
		if teardown, err := h.onRequestComplete(ctx, req); teardown || err != nil {
			return true, err
		}
		if h.request != req || h.response != nil || h.closing || h.mode == modeTunnel || h.mode == modeWebsocket {
			return false, nil
		}
		if err := h.nextRequest(req); err != nil {
			return h.fail(err)
		}
	}
	return false, nil
}

// nextRequest retires req once its response is queued and starts parsing
// whatever the client sent behind it. A request that is not keep-alive
// closes the connection once every queued response is written.
func (h *Handler) nextRequest(req *httpparse.Parser) error {
	if !req.IsKeepAlive() {
		if h.pipelined {
			h.closeErr = &ProtocolError{Reason: "pipelined request is not keep-alive"}
		}
		h.closing = true
		return nil
	}

	leftover := req.Buffer()
	h.request = httpparse.NewRequestParser()
	h.pipelined = len(leftover) > 0
	if h.pipelined {
		if err := h.request.Parse(leftover); err != nil {
			return badRequest(err)
		}
	}
	return nil
}

func (h *Handler) onRequestComplete(ctx context.Context, req *httpparse.Parser) (bool, error) {
	h.reqStart = time.Now()
	h.publish(eventbus.RequestComplete, map[string]any{
		"url":     req.Target,
		"method":  req.Method,
		"host":    req.Host,
		"port":    req.Port,
		"headers": headerMap(req),
	})

	switch {
	case h.intercepted:
		return h.forward(ctx, req)
	case req.HasHost() && !h.cfg.DisableHTTPProxy:
		if req.IsHTTPSTunnel() {
			return h.connect(ctx, req)
		}
		return h.proxy(ctx, req)
	default:
		return h.serveWeb(req)
	}
}

func (h *Handler) proxy(ctx context.Context, req *httpparse.Parser) (bool, error) {
	out, err := h.beforeUpstream(req)
	if out == nil || err != nil {
		return h.drop(err)
	}
	if err := h.ensureUpstream(ctx, out.Host, out.Port, true); err != nil {
		return h.fail(err)
	}
	return h.forward(ctx, out)
}

// forward writes req to the upstream in origin-form and starts parsing the
// response.
func (h *Handler) forward(ctx context.Context, req *httpparse.Parser) (bool, error) {
	if h.intercepted {
		if err := h.ensureUpstream(ctx, h.tunnelHost, h.tunnelPort, false); err != nil {
			return h.fail(err)
		}
	}

	out, err := h.clientRequest(req)
	if out == nil || err != nil {
		return h.drop(err)
	}
	out.AddHeader("Via", "1.1 "+serverHeader)

	h.mode = modeProxy
	h.response = httpparse.NewResponseParser(req.Method)
	h.response.DiscardBody()
	h.upstreamKeepAlive = false

	b := out.Build(forwardDisabled, false)
	h.sent += len(b)
	h.upstream.Queue(b)
	return false, nil
}

// connect answers a CONNECT request. Without a CA the tunnel is relayed
// byte for byte; with one, both sides are wrapped in TLS and the decrypted
// requests are parsed like any other.
func (h *Handler) connect(ctx context.Context, req *httpparse.Parser) (bool, error) {
	out, err := h.beforeUpstream(req)
	if out == nil || err != nil {
		return h.drop(err)
	}

	h.tunnelHost, h.tunnelPort = out.Host, out.Port
	h.intercepted = h.cfg.CA != nil
	if err := h.ensureUpstream(ctx, out.Host, out.Port, false); err != nil {
		h.intercepted = false
		return h.fail(err)
	}
	h.client.Queue(connectEstablished)

	if !h.intercepted {
		h.mode = modeTunnel
		leftover := req.Buffer()
		h.sent += len(leftover)
		h.upstream.Queue(leftover)
		return false, nil
	}

	// The client only starts its handshake after reading the reply, so it
	// has to be on the wire before the socket changes hands.
	if err := h.client.Drain(h.cfg.Timeout); err != nil {
		return true, err
	}
	if err := h.upgradeClient(h.cfg.CA.ServerConfig(out.Host)); err != nil {
		return true, err
	}
	h.mode = modeProxy
	h.request = httpparse.NewRequestParser()
	h.logger.Debug("intercepting tunnel", "upstream", h.upstreamAddr)
	return false, nil
}

func (h *Handler) serveWeb(req *httpparse.Parser) (bool, error) {
	h.mode = modeWeb
	if req.HasHost() {
		h.respondAndClose(req, notFoundResponse, 404)
		return false, nil
	}

	path := req.Target
	if req.URL != nil {
		path = req.URL.RequestURI()
	}

	for _, r := range h.routes[ProtocolWebsocket] {
		if !r.re.MatchString(path) {
			continue
		}
		if !req.IsConnectionUpgrade() {
			break
		}
		if v, _ := req.Header("upgrade"); !strings.EqualFold(v, "websocket") {
			h.respondAndClose(req, notImplementedResponse, 501)
			return false, nil
		}
		key, ok := req.Header("sec-websocket-key")
		if !ok {
			return h.fail(badRequest(errors.New("missing Sec-WebSocket-Key")))
		}

		h.client.Queue(websocket.UpgradeResponse(key))
		h.mode = modeWebsocket
		h.route = r.plugin
		h.accessLog(req, 101, 0)
		r.plugin.OnWebsocketOpen(h.client)
		return h.onWebsocketData(req.Buffer())
	}

	proto := ProtocolHTTP
	if h.tlsClient {
		proto = ProtocolHTTPS
	}
	for _, r := range h.routes[proto] {
		if !r.re.MatchString(path) {
			continue
		}
		h.route = r.plugin
		queued := h.client.BufferSize()
		if err := r.plugin.HandleRequest(h.client, req); err != nil {
			return h.fail(err)
		}
		h.accessLog(req, 0, h.client.BufferSize()-queued)
		return false, nil
	}

	h.respondAndClose(req, notFoundResponse, 404)
	return false, nil
}

func (h *Handler) onWebsocketData(data []byte) (bool, error) {
	h.wsBuf = append(h.wsBuf, data...)
	for len(h.wsBuf) > 0 {
		f, n, err := websocket.Parse(h.wsBuf)
		if err != nil {
			if errors.Is(err, websocket.ErrTooLarge) {
				h.client.Queue(websocket.Close(websocket.CloseTooBig))
			}
			return true, &ProtocolError{Reason: "bad websocket frame", Err: err}
		}
		if f == nil {
			break
		}
		h.wsBuf = h.wsBuf[n:]

		switch f.Opcode {
		case websocket.OpClose:
			h.client.Queue(websocket.Close(websocket.CloseNormal))
			return true, &ProtocolError{Reason: "websocket closed by client"}
		case websocket.OpPing:
			pong, err := (&websocket.Frame{Fin: true, Opcode: websocket.OpPong, Payload: f.Payload}).Build()
			if err != nil {
				return true, err
			}
			h.client.Queue(pong)
		default:
			h.route.OnWebsocketMessage(h.client, f)
		}
	}
	if len(h.wsBuf) == 0 {
		h.wsBuf = nil
	}
	return false, nil
}

func (h *Handler) readUpstream(ctx context.Context) (bool, error) {
	data, err := h.upstream.Recv(h.cfg.ServerRecvBufSize)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			h.logger.Debug("upstream read failed", "upstream", h.upstreamAddr, "error", err)
		}
		return h.onUpstreamClosed(ctx)
	}
	if len(data) == 0 {
		return false, nil
	}
	h.last = time.Now()
	h.received += len(data)

	chunk := data
	for _, p := range h.proxyPlugins {
		if chunk = p.HandleUpstreamChunk(chunk); chunk == nil {
			break
		}
	}
	h.client.Queue(chunk)

	if h.mode != modeProxy || h.response == nil {
		return false, nil
	}
	return h.onResponseData(ctx, data)
}

func (h *Handler) onResponseData(ctx context.Context, data []byte) (bool, error) {
	res := h.response
	headersDone := res.State() >= httpparse.HeadersComplete
	bodySize := res.BodySize()

	if err := res.Parse(data); err != nil {
		return true, &ProtocolError{Reason: "malformed upstream response", Err: err}
	}

	if !headersDone && res.State() >= httpparse.HeadersComplete {
		h.publish(eventbus.ResponseHeadersComplete, map[string]any{
			"code":    res.Code,
			"reason":  res.Reason,
			"headers": headerMap(res),
		})
	}
	if n := res.BodySize() - bodySize; n > 0 {
		h.publish(eventbus.ResponseChunkReceived, map[string]any{
			"chunk_size":         n,
			"encoded_chunk_size": len(data),
		})
	}

	if !res.IsComplete() {
		return false, nil
	}
	// Interim 1xx responses precede the real one.
	if res.Code/100 == 1 && res.Code != 101 {
		leftover := res.Buffer()
		h.response = httpparse.NewResponseParser(h.request.Method)
		h.response.DiscardBody()
		if len(leftover) == 0 {
			return false, nil
		}
		return h.onResponseData(ctx, leftover)
	}
	return h.responseDone(ctx)
}

func (h *Handler) responseDone(ctx context.Context) (bool, error) {
	res, req := h.response, h.request
	h.publish(eventbus.ResponseComplete, map[string]any{
		"encoded_response_size": res.TotalSize(),
	})
	h.accessLog(req, res.Code, res.TotalSize())

	h.response = nil
	h.upstreamKeepAlive = res.IsKeepAlive()
	if !h.upstreamKeepAlive {
		h.releaseUpstream()
	}

	if err := h.nextRequest(req); err != nil {
		return h.fail(err)
	}
	return h.serveRequests(ctx)
}

func (h *Handler) onUpstreamClosed(ctx context.Context) (bool, error) {
	h.upstreamKeepAlive = false
	h.releaseUpstream()

	switch {
	case h.mode == modeProxy && h.response != nil:
		if h.response.TotalSize() == 0 {
			return h.fail(&ConnectionFailedError{Host: h.upstreamHost, Port: h.upstreamPort, Err: io.ErrUnexpectedEOF})
		}
		if h.response.Finish() {
			return h.responseDone(ctx)
		}
		// Truncated response: deliver what arrived, then close.
		h.closing = true
	case h.mode == modeTunnel:
		h.closing = true
	}
	return false, nil
}

// ensureUpstream makes h.upstream a live connection to host:port, reusing
// the current one or, when pooled, an idle one from the shared pool.
func (h *Handler) ensureUpstream(ctx context.Context, host string, port int, pooled bool) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if h.upstream != nil {
		if h.upstreamAddr == addr && !h.upstream.Closed() {
			return nil
		}
		h.releaseUpstream()
	}
	h.upstreamAddr, h.upstreamHost, h.upstreamPort = addr, host, port
	h.upstreamPooled = pooled && h.cfg.UpstreamPool != nil

	if h.upstreamPooled {
		if c := h.cfg.UpstreamPool.Acquire(addr); c != nil {
			h.logger.Trace("reusing upstream", "upstream", addr)
			h.upstream = c
			return nil
		}
	}

	nc, err := h.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionFailedError{Host: host, Port: port, Err: err}
	}

	var sock conn.Socket
	if h.intercepted {
		tc := tls.Client(nc, h.cfg.upstreamTLS(host))
		sock, err = conn.Bridge(tc, h.handshake(tc.HandshakeContext))
	} else {
		sock, err = conn.FromNetConn(nc)
	}
	if err != nil {
		_ = nc.Close()
		return &ConnectionFailedError{Host: host, Port: port, Err: err}
	}

	h.upstream = conn.New(conn.TagServer, sock, conn.WithAddr(addr), conn.WithLogger(h.logger))
	if h.upstreamPooled {
		h.cfg.UpstreamPool.Add(h.upstream)
	}
	h.logger.Debug("connected upstream", "upstream", addr)
	return nil
}

// releaseUpstream gives an idle keep-alive upstream back to the pool and
// closes anything else.
func (h *Handler) releaseUpstream() {
	up := h.upstream
	if up == nil {
		return
	}
	h.upstream = nil
	for _, p := range h.proxyPlugins {
		p.OnUpstreamConnectionClose()
	}

	if h.upstreamPooled {
		if h.response == nil && h.upstreamKeepAlive && !up.HasBuffer() && !up.Closed() {
			h.cfg.UpstreamPool.Release(up)
			return
		}
		h.cfg.UpstreamPool.Remove(up)
	}
	if err := up.Close(); err != nil {
		h.logger.Debug("upstream close failed", "upstream", up.Addr(), "error", err)
	}
}

// upgradeClient terminates TLS on the client connection with cfg. The
// handshake runs in the bridge; the engine keeps polling plaintext.
func (h *Handler) upgradeClient(cfg *tls.Config) error {
	fs, ok := h.client.Socket().(*conn.FdSocket)
	if !ok {
		return fmt.Errorf("tls upgrade %s: socket has no descriptor", h.client.Addr())
	}
	nc, err := fs.NetConn()
	if err != nil {
		return fmt.Errorf("tls upgrade %s: %w", h.client.Addr(), err)
	}

	tc := tls.Server(nc, cfg)
	sock, err := conn.Bridge(tc, h.handshake(tc.HandshakeContext))
	if err != nil {
		_ = nc.Close()
		return fmt.Errorf("tls upgrade %s: %w", h.client.Addr(), err)
	}
	if err := h.client.Swap(sock); err != nil {
		return err
	}
	h.tlsClient = true
	return nil
}

func (h *Handler) handshake(hs func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
		if err := hs(ctx); err != nil {
			h.logger.Debug("tls handshake failed", "error", err)
			return err
		}
		return nil
	}
}

func (h *Handler) beforeUpstream(req *httpparse.Parser) (*httpparse.Parser, error) {
	for _, p := range h.proxyPlugins {
		var err error
		if req, err = p.BeforeUpstreamConnection(req); req == nil || err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (h *Handler) clientRequest(req *httpparse.Parser) (*httpparse.Parser, error) {
	for _, p := range h.proxyPlugins {
		var err error
		if req, err = p.HandleClientRequest(req); req == nil || err != nil {
			return nil, err
		}
	}
	return req, nil
}

// drop tears down after a plugin refused a request, answering the client
// if the refusal carries a response.
func (h *Handler) drop(err error) (bool, error) {
	if err != nil {
		return h.fail(err)
	}
	h.logger.Debug("request dropped by plugin", "client", h.client.Addr())
	return true, nil
}

// fail tears down with err. When err carries a response, it is queued and
// teardown waits until it and anything queued before it are written.
func (h *Handler) fail(err error) (bool, error) {
	var r responder
	if !errors.As(err, &r) || h.client.Closed() {
		return true, err
	}
	h.client.Queue(r.Response())
	h.closing = true
	h.closeErr = err
	h.response = nil
	h.releaseUpstream()
	return false, nil
}

func (h *Handler) respondAndClose(req *httpparse.Parser, resp []byte, status int) {
	h.client.Queue(resp)
	h.closing = true
	h.accessLog(req, status, len(resp))
}

func (h *Handler) accessLog(req *httpparse.Parser, status, responseBytes int) {
	args := []any{"client", h.client.Addr(), "method", req.Method}
	if h.mode == modeProxy {
		args = append(args, "upstream", h.upstreamAddr)
	}
	path := req.Target
	if req.URL != nil {
		path = req.URL.RequestURI()
	}
	args = append(args, "path", path)
	if status != 0 {
		args = append(args, "status", status)
	}
	args = append(args,
		"request_bytes", req.TotalSize(),
		"response_bytes", responseBytes,
		"duration", time.Since(h.reqStart))
	h.logger.Info("request", args...)
}

func (h *Handler) publish(name eventbus.Name, payload map[string]any) {
	if h.cfg.Events == nil {
		return
	}
	h.cfg.Events.Publish(eventbus.Event{
		RequestID:   h.id,
		Name:        name,
		Payload:     payload,
		PublisherID: "proxy",
	})
}

func headerMap(p *httpparse.Parser) map[string]any {
	m := make(map[string]any, len(p.Headers()))
	for _, hd := range p.Headers() {
		m[hd.Key] = hd.Value
	}
	return m
}
