// Package proxy implements the HTTP protocol handler run by the engine for
// every accepted client.
//
// A Handler proxies plain requests to their upstream, relays CONNECT
// tunnels, and serves the routes of web plugins addressed to the proxy
// itself. When a CA is configured, tunnels are intercepted: TLS is
// terminated on both sides and the decrypted requests flow through the
// proxy plugins like any other.
package proxy
