package web

import (
	"github.com/hashicorp/go-hclog"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/httpparse"
	"github.com/die-net/spindle/internal/proxy"
	"github.com/die-net/spindle/internal/websocket"
)

const EchoPath = "/ws/echo"

// echoPlugin sends every WebSocket data frame back to the client.
type echoPlugin struct {
	logger hclog.Logger
}

func NewEchoPlugin() proxy.WebPluginFactory {
	return func(pctx proxy.PluginContext) proxy.WebPlugin {
		return &echoPlugin{logger: pctx.Logger}
	}
}

func (p *echoPlugin) Routes() []proxy.Route {
	return []proxy.Route{{Protocol: proxy.ProtocolWebsocket, Pattern: EchoPath + "$"}}
}

// HandleRequest is never reached: the route is WebSocket only.
func (p *echoPlugin) HandleRequest(*conn.Connection, *httpparse.Parser) error { return nil }

func (p *echoPlugin) OnWebsocketOpen(*conn.Connection) {
	p.logger.Debug("websocket echo opened")
}

func (p *echoPlugin) OnWebsocketMessage(client *conn.Connection, f *websocket.Frame) {
	if f.Opcode.IsControl() {
		return
	}
	b, err := (&websocket.Frame{Fin: f.Fin, Opcode: f.Opcode, Payload: f.Payload}).Build()
	if err != nil {
		p.logger.Debug("websocket echo build failed", "error", err)
		return
	}
	client.Queue(b)
}

func (p *echoPlugin) OnWebsocketClose() {
	p.logger.Debug("websocket echo closed")
}
