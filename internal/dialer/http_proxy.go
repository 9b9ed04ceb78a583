package dialer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/spindle/internal/httpparse"
)

// maxConnectReply bounds the CONNECT reply read from an upstream proxy.
const maxConnectReply = 16 * 1024

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for proxyURL.
//
// If username is non-empty, Proxy-Authorization is set using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirectDialer(cfg),
	}, nil
}

// ProxyURL returns the configured proxy URL.
func (d *HTTPProxyDialer) ProxyURL() *url.URL {
	return d.proxyURL
}

// DialContext connects to the proxy, performs the TLS handshake for https
// proxies, and asks the proxy to CONNECT to address. Negotiation is bounded
// by NegotiationTimeout; the deadline is cleared before returning.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if d.proxyURL.Scheme == "https" {
		tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: d.proxyURL.Hostname()})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tc
	}

	if err := d.connect(c, address); err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, err
	}

	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect %s: %w", address, ctx.Err())
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (d *HTTPProxyDialer) connect(c net.Conn, address string) error {
	headers := []httpparse.Header{{Key: "Host", Value: address}}
	if d.auth != "" {
		headers = append(headers, httpparse.Header{Key: "Proxy-Authorization", Value: d.auth})
	}
	if _, err := c.Write(httpparse.BuildRequest("CONNECT", address, httpparse.HTTP11, headers, nil)); err != nil {
		return fmt.Errorf("http proxy connect write: %w", err)
	}

	// Read byte-sized pieces so nothing past the reply is consumed; those
	// bytes belong to the tunnelled stream.
	reply := httpparse.NewResponseParser("CONNECT")
	buf := make([]byte, 1)
	for reply.State() < httpparse.HeadersComplete {
		if reply.TotalSize() > maxConnectReply {
			return errors.New("http proxy connect read: reply too large")
		}
		if _, err := c.Read(buf); err != nil {
			return fmt.Errorf("http proxy connect read: %w", err)
		}
		if err := reply.Parse(buf); err != nil {
			return fmt.Errorf("http proxy connect read: %w", err)
		}
	}

	if reply.Code/100 != 2 {
		return fmt.Errorf("http proxy connect failed: %d %s", reply.Code, reply.Reason)
	}
	return nil
}
