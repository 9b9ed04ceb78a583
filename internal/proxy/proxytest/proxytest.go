// Package proxytest runs a proxy handler on a loopback port for tests.
package proxytest

import (
	"context"
	"net"
	"testing"

	"github.com/die-net/spindle/internal/conn"
	"github.com/die-net/spindle/internal/engine"
	"github.com/die-net/spindle/internal/proxy"
)

// Start serves cfg on a single engine and returns the listen address. The
// server stops when the test ends.
func Start(t *testing.T, cfg proxy.Config) string {
	t.Helper()

	e, err := engine.New(engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	factory := proxy.NewFactory(cfg)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			addr := c.RemoteAddr().String()
			sock, err := conn.FromNetConn(c)
			if err != nil {
				_ = c.Close()
				continue
			}
			w, err := factory(conn.New(conn.TagClient, sock, conn.WithAddr(addr)))
			if err != nil {
				_ = sock.Close()
				continue
			}
			if err := e.Add(w); err != nil {
				w.Shutdown()
			}
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		cancel()
		<-done
	})
	return ln.Addr().String()
}
