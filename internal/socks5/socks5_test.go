package socks5

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/spindle/internal/testutil"
)

func TestClientDial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		serverUser string
		auth       Auth
		wantErr    error
	}{
		{name: "no auth"},
		{name: "user pass", serverUser: "user", auth: Auth{Username: "user", Password: "pass"}},
		{name: "auth required", serverUser: "user", wantErr: ErrAuthRequired},
		{name: "bad password", serverUser: "user", auth: Auth{Username: "user", Password: "nope"}, wantErr: ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			srv := testutil.StartSOCKS5Server(t, ctx, tt.serverUser, "pass")

			c, err := net.Dial("tcp", srv.Addr().String())
			require.NoError(t, err)
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			err = ClientDial(c, tt.auth, echoLn.Addr().String())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			testutil.AssertEcho(t, c, c, []byte("through socks"))
		})
	}
}

func TestClientConnectRefused(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := testutil.StartSOCKS5Server(t, ctx, "", "")
	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	err = ClientDial(c, Auth{}, dead)
	var rerr *ReplyError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "socks5 connect: host unreachable", rerr.Error())
}
