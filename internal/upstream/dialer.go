// Package upstream handles dialing through HTTP, SOCKS4/4a, and SOCKS5
// upstream proxies.
package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/net/proxy"
)

// Dial opens a TCP connection to destination through the upstream proxy.
// destination must be in "host:port" format.
// The returned conn is a raw TCP pipe ready for bidirectional tunneling.
func Dial(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	switch upstream.Scheme {
	case "http", "https":
		return dialHTTP(ctx, upstream, destination)
	case "socks5":
		return dialSOCKS5(ctx, upstream, destination)
	case "socks4":
		return dialSOCKS4(ctx, upstream, destination)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", upstream.Scheme)
	}
}

// dialHTTP sends an HTTP CONNECT request to the upstream proxy and returns
// the connection after the tunnel is established.
func dialHTTP(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", upstream.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", upstream.Host, err)
	}

	// Build CONNECT request
	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+destination, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = destination

	// Inject proxy auth header if credentials are present
	if upstream.User != nil {
		user := upstream.User.Username()
		pass, _ := upstream.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	// Read the proxy's response
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", resp.Status)
	}

	// If the bufio reader consumed bytes beyond the response, wrap conn to
	// replay them. In practice this doesn't happen on a clean CONNECT tunnel.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy.
func dialSOCKS5(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	var auth *proxy.Auth
	if upstream.User != nil {
		user := upstream.User.Username()
		pass, _ := upstream.User.Password()
		auth = &proxy.Auth{User: user, Password: pass}
	}

	dialer, err := proxy.SOCKS5("tcp", upstream.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	// Use the context-aware interface if available (golang.org/x/net/proxy
	// implements it since Go 1.15).
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", destination)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", destination)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", destination, err)
	}
	return conn, nil
}

// dialSOCKS4 dials through a SOCKS4/4a upstream proxy. golang.org/x/net/proxy
// only implements SOCKS5, so the CONNECT handshake is hand-rolled here: a
// literal IPv4 destination uses plain SOCKS4, anything else (hostname, or an
// IP that didn't parse as v4) falls back to the SOCKS4a convention of an
// invalid 0.0.0.x DSTIP followed by the hostname after the null-terminated
// user ID. BIND and identd callbacks are out of scope — this package only
// ever issues CONNECT.
func dialSOCKS4(ctx context.Context, upstream *url.URL, destination string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(destination)
	if err != nil {
		return nil, fmt.Errorf("split destination %s: %w", destination, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse destination port %s: %w", portStr, err)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", upstream.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", upstream.Host, err)
	}

	var userID string
	if upstream.User != nil {
		userID = upstream.User.Username()
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port)}
	ip4 := net.ParseIP(host).To4()
	socks4a := ip4 == nil
	if socks4a {
		req = append(req, 0x00, 0x00, 0x00, 0x01)
	} else {
		req = append(req, ip4...)
	}
	req = append(req, []byte(userID)...)
	req = append(req, 0x00)
	if socks4a {
		req = append(req, []byte(host)...)
		req = append(req, 0x00)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write socks4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 response: %w", err)
	}
	if resp[0] != 0x00 {
		conn.Close()
		return nil, fmt.Errorf("malformed socks4 response from %s", upstream.Host)
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect to %s rejected: code 0x%02x", destination, resp[1])
	}
	return conn, nil
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to the
// read stream. Used when bufio.Reader consumed extra bytes from a CONNECT
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
