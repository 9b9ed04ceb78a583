package proxy

import (
	"crypto/tls"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/dialer"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/pki"
)

const (
	DefaultRecvBufSize = 1 << 20
	DefaultTimeout     = 10 * time.Second
)

type Config struct {
	// Dialer opens upstream connections. Nil dials directly.
	Dialer dialer.Dialer

	ClientRecvBufSize int
	ServerRecvBufSize int
	MaxSendSize       int

	// Timeout is how long a connection may sit idle before it is dropped.
	// It also bounds TLS handshakes.
	Timeout time.Duration

	// BasicAuth is "user:pass". Empty disables proxy authentication.
	BasicAuth string

	// CA enables interception of CONNECT tunnels.
	CA *pki.CA
	// UpstreamTLS is the client config used towards intercepted upstreams.
	// ServerName is always set per host.
	UpstreamTLS *tls.Config
	// ServerTLS terminates TLS on every accepted client connection.
	ServerTLS *tls.Config

	ProxyPlugins     []ProxyPluginFactory
	WebPlugins       []WebPluginFactory
	EnableWebServer  bool
	DisableHTTPProxy bool

	// UpstreamPool, when set, keeps idle keep-alive upstream connections
	// for reuse by later requests.
	UpstreamPool *conn.Pool

	Events eventbus.Publisher
	Logger hclog.Logger
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if c.ClientRecvBufSize <= 0 {
		c.ClientRecvBufSize = DefaultRecvBufSize
	}
	if c.ServerRecvBufSize <= 0 {
		c.ServerRecvBufSize = DefaultRecvBufSize
	}
	if c.MaxSendSize <= 0 {
		c.MaxSendSize = conn.DefaultMaxSendSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

func (c Config) upstreamTLS(host string) *tls.Config {
	var tc *tls.Config
	if c.UpstreamTLS != nil {
		tc = c.UpstreamTLS.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	tc.ServerName = host
	return tc
}
