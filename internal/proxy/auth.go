package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/die-net/spindle/internal/httpparse"
)

// authPlugin enforces HTTP Basic proxy authentication.
type authPlugin struct {
	BaseProxyPlugin
	code []byte
}

// NewAuthPlugin returns a factory for a plugin requiring
// Proxy-Authorization to carry the Basic credentials userpass ("user:pass").
func NewAuthPlugin(userpass string) ProxyPluginFactory {
	code := []byte(base64.StdEncoding.EncodeToString([]byte(userpass)))
	return func(PluginContext) ProxyPlugin {
		return &authPlugin{code: code}
	}
}

func (p *authPlugin) BeforeUpstreamConnection(req *httpparse.Parser) (*httpparse.Parser, error) {
	v, ok := req.Header("proxy-authorization")
	if !ok {
		return nil, ErrProxyAuthFailed
	}
	parts := strings.Fields(v)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "basic") ||
		subtle.ConstantTimeCompare([]byte(parts[1]), p.code) != 1 {
		return nil, ErrProxyAuthFailed
	}
	return req, nil
}
