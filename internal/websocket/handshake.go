package websocket

import (
	"crypto/sha1"
	"encoding/base64"

	"github.com/die-net/spindle/internal/httpparse"
)

const guid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Close status codes used by the proxy.
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError uint16 = 1002
	CloseTooBig        uint16 = 1009
)

// AcceptKey computes the Sec-WebSocket-Accept value answering key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + guid))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UpgradeResponse returns the 101 reply completing a server-side handshake.
func UpgradeResponse(key string) []byte {
	return httpparse.BuildResponse(101, "Switching Protocols", []httpparse.Header{
		{Key: "Upgrade", Value: "websocket"},
		{Key: "Connection", Value: "Upgrade"},
		{Key: "Sec-WebSocket-Accept", Value: AcceptKey(key)},
	}, nil)
}
