package upstream

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSOCKS4Server accepts a single connection, asserts the SOCKS4 request
// looks right for destination, and replies with the given response byte.
func fakeSOCKS4Server(t *testing.T, destination string, reply byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil || n < 9 {
			return
		}
		req := buf[:n]
		if req[0] != 0x04 || req[1] != 0x01 {
			return
		}
		_, _ = conn.Write([]byte{0x00, reply, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	}()
	return ln.Addr().String()
}

func TestDialSOCKS4_GrantedAgainstIPv4Destination(t *testing.T) {
	addr := fakeSOCKS4Server(t, "93.184.216.34:80", 0x5a)
	upstreamURL := &url.URL{Scheme: "socks4", Host: addr}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dialSOCKS4(ctx, upstreamURL, "93.184.216.34:80")
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialSOCKS4_FallsBackToSocks4aForHostname(t *testing.T) {
	addr := fakeSOCKS4Server(t, "example.com:80", 0x5a)
	upstreamURL := &url.URL{Scheme: "socks4", Host: addr}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := dialSOCKS4(ctx, upstreamURL, "example.com:80")
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialSOCKS4_RejectedRequestReturnsError(t *testing.T) {
	addr := fakeSOCKS4Server(t, "example.com:80", 0x5b) // request rejected or failed
	upstreamURL := &url.URL{Scheme: "socks4", Host: addr}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dialSOCKS4(ctx, upstreamURL, "example.com:80")
	assert.Error(t, err)
}

func TestDial_UnsupportedSchemeIsRejected(t *testing.T) {
	_, err := Dial(context.Background(), &url.URL{Scheme: "ftp", Host: "127.0.0.1:1"}, "example.com:80")
	assert.ErrorContains(t, err, "unsupported upstream scheme")
}
