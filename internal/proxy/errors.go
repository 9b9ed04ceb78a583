package proxy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/die-net/spindle/internal/httpparse"
)

const serverHeader = "spindle"

// responder is implemented by errors that answer the client before the
// connection is torn down.
type responder interface {
	Response() []byte
}

// ProtocolError ends a connection whose peer broke the HTTP or WebSocket
// exchange.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "http protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "http protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RequestRejectedError answers the client with a canned response and then
// closes the connection. Plugins return it to refuse a request.
type RequestRejectedError struct {
	StatusCode int
	Reason     string
	Headers    []httpparse.Header
	Body       []byte
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("request rejected: %d %s", e.StatusCode, e.Reason)
}

func (e *RequestRejectedError) Response() []byte {
	hs := append([]httpparse.Header{{Key: "Server", Value: serverHeader}}, e.Headers...)
	hs = append(hs, httpparse.Header{Key: "Connection", Value: "close"})
	return httpparse.BuildResponse(e.StatusCode, e.Reason, hs, e.Body)
}

// ErrProxyAuthFailed is returned when proxy authentication is enabled and
// the request lacks valid credentials.
var ErrProxyAuthFailed error = &RequestRejectedError{
	StatusCode: 407,
	Reason:     "Proxy Authentication Required",
	Headers:    []httpparse.Header{{Key: "Proxy-Authenticate", Value: "Basic"}},
	Body:       []byte("Proxy Authentication Required"),
}

// ConnectionFailedError reports that the upstream could not be reached.
type ConnectionFailedError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionFailedError) Error() string {
	return "connect upstream " + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + ": " + e.Err.Error()
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

func (e *ConnectionFailedError) Response() []byte {
	return (&RequestRejectedError{StatusCode: 502, Reason: "Bad Gateway", Body: []byte("Bad Gateway")}).Response()
}

var (
	notFoundResponse       = (&RequestRejectedError{StatusCode: 404, Reason: "Not Found"}).Response()
	notImplementedResponse = (&RequestRejectedError{StatusCode: 501, Reason: "Not Implemented"}).Response()
	connectEstablished     = []byte("HTTP/1.1 200 Connection established\r\n\r\n")
)

func badRequest(err error) error {
	return fmt.Errorf("%w: %w", &RequestRejectedError{StatusCode: 400, Reason: "Bad Request"}, err)
}
