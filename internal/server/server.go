// Package server implements the local HTTP/HTTPS forward-proxy that clients
// connect to. It speaks HTTP/1.1 and supports:
//
//   - CONNECT tunnelling (used by HTTPS and any TCP tunnel)
//   - Plain HTTP forwarding (GET/POST/… for http:// targets)
//   - Optional Proxy-Authorization basic auth
//
// Each incoming connection asks the rotator facade for one proxy via its
// selection strategy — there is no pinned "current proxy" to drain, since
// spec.md's model selects fresh per request rather than per process.
package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/rotator"
	"github.com/drsoft-oss/proxyrotator/internal/upstream"
)

// Config holds proxy server settings.
type Config struct {
	// ListenAddr is the address for the proxy to bind on (e.g. "0.0.0.0:8080").
	ListenAddr string

	// Username and Password for Proxy-Authorization. Both must be non-empty
	// to enable authentication.
	Username string
	Password string

	// DialTimeout is the maximum time to dial through the upstream proxy.
	DialTimeout time.Duration
}

// Server is the local HTTP proxy server.
type Server struct {
	cfg Config
	rot *rotator.Rotator
	log *zap.Logger
	ln  net.Listener
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config, r *rotator.Rotator, log *zap.Logger) *Server {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, rot: r, log: log}
}

// Start begins listening and serving. Blocks until the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.log.Info("proxy listening", zap.String("addr", s.cfg.ListenAddr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed — normal shutdown
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// -----------------------------------------------------------------------
// Connection handling
// -----------------------------------------------------------------------

func (s *Server) handleConn(clientConn net.Conn) {
	defer clientConn.Close()

	br := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.log.Debug("read request failed", zap.Error(err))
		}
		return
	}

	// Check auth before doing anything else
	if s.authRequired() && !s.checkAuth(req) {
		resp := &http.Response{
			StatusCode: http.StatusProxyAuthRequired,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
		}
		resp.Header.Set("Proxy-Authenticate", `Basic realm="proxywhirl"`)
		resp.Header.Set("Content-Length", "0")
		_ = resp.Write(clientConn)
		return
	}

	if req.Method == http.MethodConnect {
		s.handleCONNECT(clientConn, req)
	} else {
		s.handleHTTP(clientConn, br, req)
	}
}

// selectForDestination asks the rotator for one proxy honoring the
// destination as a selection hint, matching spec.md §4.E's
// SelectionContext.target_url field.
func (s *Server) selectForDestination(destination string) (*proxytypes.Proxy, error) {
	return s.rot.SelectProxy(proxytypes.SelectionContext{TargetURL: destination})
}

// handleCONNECT tunnels a raw TCP connection through the upstream proxy.
// This is used for HTTPS and anything that needs a transparent tunnel.
func (s *Server) handleCONNECT(clientConn net.Conn, req *http.Request) {
	destination := req.Host // "host:port"
	if !hasPort(destination) {
		destination += ":443"
	}

	px, err := s.selectForDestination(destination)
	if err != nil || px == nil {
		s.log.Warn("no available upstream proxy", zap.String("destination", destination), zap.Error(err))
		writeError(clientConn, http.StatusBadGateway, "no available upstream proxy")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	upstreamConn, err := upstream.Dial(ctx, px.DialURL(), destination)
	if err != nil {
		s.rot.RecordOutcome(px, false, time.Since(start))
		s.log.Warn("CONNECT upstream dial failed",
			zap.String("proxy", px.String()), zap.String("destination", destination), zap.Error(err))
		writeError(clientConn, http.StatusBadGateway, fmt.Sprintf("upstream dial: %v", err))
		return
	}
	defer upstreamConn.Close()

	// Acknowledge tunnel establishment
	_, _ = fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection established\r\n\r\n")

	s.rot.RecordOutcome(px, true, time.Since(start))
	s.tunnel(clientConn, upstreamConn)
}

// handleHTTP forwards a plain HTTP request through the upstream proxy.
// The upstream proxy handles all HTTP semantics; we just relay bytes.
func (s *Server) handleHTTP(clientConn net.Conn, br *bufio.Reader, req *http.Request) {
	destination := req.URL.Host
	if destination == "" {
		destination = req.Host
	}
	if !hasPort(destination) {
		destination += ":80"
	}

	px, err := s.selectForDestination(destination)
	if err != nil || px == nil {
		s.log.Warn("no available upstream proxy", zap.String("destination", destination), zap.Error(err))
		writeError(clientConn, http.StatusBadGateway, "no available upstream proxy")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	upstreamConn, err := upstream.Dial(ctx, px.DialURL(), destination)
	if err != nil {
		s.rot.RecordOutcome(px, false, time.Since(start))
		s.log.Warn("HTTP upstream dial failed",
			zap.String("proxy", px.String()), zap.String("destination", destination), zap.Error(err))
		writeError(clientConn, http.StatusBadGateway, fmt.Sprintf("upstream dial: %v", err))
		return
	}
	defer upstreamConn.Close()

	// Remove proxy-specific headers before forwarding
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")

	if err := req.Write(upstreamConn); err != nil {
		s.rot.RecordOutcome(px, false, time.Since(start))
		s.log.Warn("write HTTP request to upstream failed", zap.Error(err))
		return
	}

	s.rot.RecordOutcome(px, true, time.Since(start))
	s.tunnel(clientConn, upstreamConn)
}

// tunnel performs a bidirectional copy between two connections until
// either side closes.
func (s *Server) tunnel(a, b net.Conn) {
	done := make(chan struct{}, 2)
	copy := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		// Half-close to unblock the other goroutine
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go copy(a, b)
	go copy(b, a)
	<-done
	<-done
}

// -----------------------------------------------------------------------
// Auth helpers
// -----------------------------------------------------------------------

func (s *Server) authRequired() bool {
	return s.cfg.Username != "" && s.cfg.Password != ""
}

func (s *Server) checkAuth(req *http.Request) bool {
	auth := req.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	return parts[0] == s.cfg.Username && parts[1] == s.cfg.Password
}

// -----------------------------------------------------------------------
// Misc helpers
// -----------------------------------------------------------------------

func writeError(conn net.Conn, code int, msg string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code))
	_, _ = fmt.Fprintf(conn, "%s", resp)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
