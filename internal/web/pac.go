package web

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/httpparse"
	"github.com/die-net/spindle/internal/proxy"
)

const DefaultPACPath = "/"

type pacPlugin struct {
	proxy.BaseWebPlugin
	routes   []proxy.Route
	response []byte
}

// NewPACFilePlugin serves the proxy auto-config script at urlPath over
// both HTTP and HTTPS. pacFile is read once; if no such file exists the
// value itself is served as the script.
func NewPACFilePlugin(pacFile, urlPath string) (proxy.WebPluginFactory, error) {
	content, err := os.ReadFile(pacFile)
	if errors.Is(err, fs.ErrNotExist) {
		content, err = []byte(pacFile), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pac file: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, fmt.Errorf("pac file gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pac file gzip: %w", err)
	}

	if urlPath == "" {
		urlPath = DefaultPACPath
	}
	pattern := regexp.QuoteMeta(urlPath) + `(\?.*)?$`
	routes := []proxy.Route{
		{Protocol: proxy.ProtocolHTTP, Pattern: pattern},
		{Protocol: proxy.ProtocolHTTPS, Pattern: pattern},
	}
	response := httpparse.BuildResponse(200, "OK", []httpparse.Header{
		{Key: "Content-Type", Value: "application/x-ns-proxy-autoconfig"},
		{Key: "Content-Encoding", Value: "gzip"},
	}, buf.Bytes())

	return func(proxy.PluginContext) proxy.WebPlugin {
		return &pacPlugin{routes: routes, response: response}
	}, nil
}

func (p *pacPlugin) Routes() []proxy.Route { return p.routes }

func (p *pacPlugin) HandleRequest(client *conn.Connection, _ *httpparse.Parser) error {
	client.Queue(p.response)
	return nil
}
