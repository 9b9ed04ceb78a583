// Package dialer opens upstream connections for the proxy, either directly
// or through a chained upstream proxy speaking HTTP CONNECT or SOCKS5.
//
// Every Dialer returns a connected net.Conn with any proxy negotiation
// already finished, so callers only ever see the byte stream to the target.
package dialer
