// Package socks5 is the client half of a SOCKS5 CONNECT handshake, built on
// the protocol types of github.com/txthinking/socks5. It runs over a
// connection the caller already dialed, which keeps the resulting stream a
// plain TCP socket.
package socks5
