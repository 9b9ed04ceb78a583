package proxy

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/eventbus"
	"github.com/die-net/spindle/internal/httpparse"
	"github.com/die-net/spindle/internal/websocket"
)

// PluginContext describes the connection a plugin instance is built for.
type PluginContext struct {
	WorkID string
	Client *conn.Connection
	Events eventbus.Publisher
	Logger hclog.Logger
}

// ProxyPlugin observes and rewrites traffic headed upstream. Returning a
// nil request drops it; returning a *RequestRejectedError answers the
// client with that response.
type ProxyPlugin interface {
	// BeforeUpstreamConnection runs before the upstream is dialed.
	BeforeUpstreamConnection(req *httpparse.Parser) (*httpparse.Parser, error)

	// HandleClientRequest runs before a request is forwarded, including
	// requests decrypted from an intercepted tunnel.
	HandleClientRequest(req *httpparse.Parser) (*httpparse.Parser, error)

	// HandleUpstreamChunk may rewrite bytes read from upstream before they
	// are queued to the client. Returning nil drops the chunk.
	HandleUpstreamChunk(chunk []byte) []byte

	OnUpstreamConnectionClose()
}

// ProxyPluginFactory builds a ProxyPlugin for one client connection. It
// may return nil to opt out.
type ProxyPluginFactory func(PluginContext) ProxyPlugin

// BaseProxyPlugin passes everything through unchanged. Embed it to
// implement only the hooks a plugin cares about.
type BaseProxyPlugin struct{}

func (BaseProxyPlugin) BeforeUpstreamConnection(req *httpparse.Parser) (*httpparse.Parser, error) {
	return req, nil
}

func (BaseProxyPlugin) HandleClientRequest(req *httpparse.Parser) (*httpparse.Parser, error) {
	return req, nil
}

func (BaseProxyPlugin) HandleUpstreamChunk(chunk []byte) []byte { return chunk }

func (BaseProxyPlugin) OnUpstreamConnectionClose() {}

// Protocol is the class of request a web route answers.
type Protocol int

const (
	ProtocolHTTP Protocol = iota + 1
	ProtocolHTTPS
	ProtocolWebsocket
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "HTTP"
	case ProtocolHTTPS:
		return "HTTPS"
	case ProtocolWebsocket:
		return "WEBSOCKET"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Route binds a path pattern to a protocol class. Pattern is a regular
// expression matched from the start of the request target.
type Route struct {
	Protocol Protocol
	Pattern  string
}

// WebPlugin serves requests addressed to the proxy itself.
type WebPlugin interface {
	Routes() []Route

	// HandleRequest answers req by queueing a response on client.
	HandleRequest(client *conn.Connection, req *httpparse.Parser) error

	OnWebsocketOpen(client *conn.Connection)
	OnWebsocketMessage(client *conn.Connection, frame *websocket.Frame)
	OnWebsocketClose()
}

// WebPluginFactory builds a WebPlugin for one client connection.
type WebPluginFactory func(PluginContext) WebPlugin

// BaseWebPlugin ignores WebSocket callbacks.
type BaseWebPlugin struct{}

func (BaseWebPlugin) OnWebsocketOpen(*conn.Connection) {}

func (BaseWebPlugin) OnWebsocketMessage(*conn.Connection, *websocket.Frame) {}

func (BaseWebPlugin) OnWebsocketClose() {}

type route struct {
	re     *regexp.Regexp
	plugin WebPlugin
}

// routeCache compiles each route pattern once per factory.
type routeCache struct {
	m sync.Map
}

func (c *routeCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.m.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("web route %q: %w", pattern, err)
	}
	c.m.Store(pattern, re)
	return re, nil
}

// buildRoutes groups the routes of plugins by protocol, keeping plugin
// order so the first match wins.
func (c *routeCache) buildRoutes(plugins []WebPlugin) (map[Protocol][]route, error) {
	routes := make(map[Protocol][]route)
	for _, p := range plugins {
		for _, r := range p.Routes() {
			re, err := c.compile(r.Pattern)
			if err != nil {
				return nil, err
			}
			routes[r.Protocol] = append(routes[r.Protocol], route{re: re, plugin: p})
		}
	}
	return routes, nil
}
