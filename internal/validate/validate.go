// Package validate performs stateless reachability checks against a single
// proxy URL (spec.md §4.I). It has no knowledge of the pool, the cache, or
// any other proxy's state — callers (the health monitor, a manual CLI
// check) decide what a result means.
package validate

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/upstream"
)

// Level is the depth of check to perform.
type Level string

const (
	LevelBasic    Level = "BASIC"
	LevelStandard Level = "STANDARD"
	LevelFull     Level = "FULL"
)

// ErrorKind classifies why a check stopped short of its requested level.
type ErrorKind string

const (
	ErrorKindMalformedURL ErrorKind = "MALFORMED_URL"
	ErrorKindDial         ErrorKind = "DIAL_FAILED"
	ErrorKindTimeout      ErrorKind = "TIMEOUT"
	ErrorKindHTTPStatus   ErrorKind = "BAD_HTTP_STATUS"
	ErrorKindProbeFailed  ErrorKind = "PROBE_FAILED"
)

// Anonymity classifies what a FULL check's origin-IP probe revealed.
type Anonymity string

const (
	AnonymityElite       Anonymity = "elite"       // origin IP hidden, no forwarding headers
	AnonymityAnonymous   Anonymity = "anonymous"   // origin IP hidden, but forwarding headers present
	AnonymityTransparent Anonymity = "transparent" // origin IP equals the caller's own IP
)

// Result is the outcome of a single Validate call.
type Result struct {
	OK          bool
	LevelReached Level
	LatencyMs   int64
	ErrorKind   ErrorKind
	Anonymity   Anonymity
}

// dialFunc abstracts "open a tunnel through this proxy to this
// destination" so tests can substitute a fake transport without a real
// upstream proxy. Defaults to upstream.Dial.
type dialFunc func(ctx context.Context, proxyURL *url.URL, destination string) (net.Conn, error)

// Config tunes probe targets and the per-check budget (spec.md §6 health
// block: validation_level, probe_url, per_check_timeout_ms).
type Config struct {
	ProbeURL      string // STANDARD: must answer 2xx through the proxy
	IPEchoURL     string // FULL: body is the plain request origin IP
	HeaderEchoURL string // FULL: body/headers reveal forwarding markers
	Timeout       time.Duration
}

// DefaultConfig mirrors the teacher's connectivity-check default and adds
// the two echo endpoints FULL validation needs.
func DefaultConfig() Config {
	return Config{
		ProbeURL:      "http://connectivitycheck.gstatic.com/generate_204",
		IPEchoURL:     "https://api.ipify.org",
		HeaderEchoURL: "https://httpbin.org/headers",
		Timeout:       5 * time.Second,
	}
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) { v.log = l }
}

func withDialer(fn dialFunc) Option {
	return func(v *Validator) { v.dial = fn }
}

// Validator runs BASIC/STANDARD/FULL checks. It is safe for concurrent
// use — all state is either immutable config or lazily-computed and
// mutex-guarded (the cached local IP for FULL's transparency check).
type Validator struct {
	cfg       Config
	log       *zap.Logger
	dial      dialFunc
	tlsConfig tlsConfigFunc

	localIPOnce sync.Once
	localIP     string
	localIPErr  error
}

// tlsConfigFunc builds the *tls.Config used to terminate TLS on an
// https:// target's CONNECT tunnel. Defaults to verifying against the
// system roots; overridable in tests via withTLSConfig so a self-signed
// test server's certificate can be trusted without weakening the
// production default.
type tlsConfigFunc func(serverName string) *tls.Config

func defaultTLSConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName}
}

func withTLSConfig(fn tlsConfigFunc) Option {
	return func(v *Validator) { v.tlsConfig = fn }
}

// New builds a Validator. cfg's zero value is replaced field-by-field with
// DefaultConfig's values.
func New(cfg Config, opts ...Option) *Validator {
	def := DefaultConfig()
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = def.ProbeURL
	}
	if cfg.IPEchoURL == "" {
		cfg.IPEchoURL = def.IPEchoURL
	}
	if cfg.HeaderEchoURL == "" {
		cfg.HeaderEchoURL = def.HeaderEchoURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	v := &Validator{cfg: cfg, log: zap.NewNop(), dial: upstream.Dial, tlsConfig: defaultTLSConfig}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs checks up to level against proxyURL. It never mutates
// proxyURL or any pool/cache state — the caller decides what to do with
// the Result (spec.md §4.I).
func (v *Validator) Validate(ctx context.Context, proxyURL *url.URL, level Level) Result {
	start := time.Now()

	if proxyURL == nil || proxyURL.Host == "" {
		return Result{ErrorKind: ErrorKindMalformedURL}
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	if err := v.checkBasic(ctx, proxyURL); err != nil {
		return Result{LatencyMs: sinceMs(start), ErrorKind: classifyDialErr(err)}
	}
	if level == LevelBasic {
		return Result{OK: true, LevelReached: LevelBasic, LatencyMs: sinceMs(start)}
	}

	if err := v.checkStandard(ctx, proxyURL); err != nil {
		return Result{LatencyMs: sinceMs(start), ErrorKind: classifyDialErr(err), LevelReached: LevelBasic}
	}
	if level == LevelStandard {
		return Result{OK: true, LevelReached: LevelStandard, LatencyMs: sinceMs(start)}
	}

	anon, err := v.checkFull(ctx, proxyURL)
	if err != nil {
		return Result{LatencyMs: sinceMs(start), ErrorKind: classifyDialErr(err), LevelReached: LevelStandard}
	}
	return Result{OK: true, LevelReached: LevelFull, LatencyMs: sinceMs(start), Anonymity: anon}
}

func sinceMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func classifyDialErr(err error) ErrorKind {
	if err == context.DeadlineExceeded {
		return ErrorKindTimeout
	}
	return ErrorKindDial
}

// checkBasic dials the proxy's own listening address directly — BASIC
// asks only "is something there", not "does it forward".
func (v *Validator) checkBasic(ctx context.Context, proxyURL *url.URL) error {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// checkStandard issues an HTTP GET through the proxy to cfg.ProbeURL and
// requires a 2xx response, following the teacher's probe() shape
// (minimal request, status-line read) generalized to a full header
// parse via http.ReadResponse.
func (v *Validator) checkStandard(ctx context.Context, proxyURL *url.URL) error {
	_, status, err := v.fetchThrough(ctx, proxyURL, v.cfg.ProbeURL)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d", errBadStatus, status)
	}
	return nil
}

var errBadStatus = fmt.Errorf("probe returned non-2xx status")

// checkFull fetches the IP-echo and header-echo endpoints through the
// proxy, then classifies anonymity by comparing the origin IP the target
// saw to this process's own IP (transparent) and, when hidden, whether
// forwarding headers still reveal it (anonymous vs elite). This resolves
// spec.md's open question on classification precision: identity of the
// origin IP drives transparent vs not, and presence of forwarding markers
// in a header-echoing probe drives anonymous vs elite.
func (v *Validator) checkFull(ctx context.Context, proxyURL *url.URL) (Anonymity, error) {
	localIP, err := v.resolveLocalIP(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: resolve local IP: %v", errBadStatus, err)
	}

	body, status, err := v.fetchThrough(ctx, proxyURL, v.cfg.IPEchoURL)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: ip echo status %d", errBadStatus, status)
	}
	originIP := strings.TrimSpace(body)

	headerBody, status, err := v.fetchThrough(ctx, proxyURL, v.cfg.HeaderEchoURL)
	if err != nil || status < 200 || status >= 300 {
		// header-echo probe is best-effort: a transparent classification
		// never depends on it, and anonymous/elite just degrades to
		// elite (can't prove the header leak either way).
		headerBody = ""
	}
	return classifyAnonymity(originIP, localIP, headerBody), nil
}

// classifyAnonymity implements the three-way rule a FULL check applies:
// the origin IP equaling this process's own IP means the proxy is
// transparent; otherwise, forwarding markers naming the local IP in a
// header-echoing probe mean anonymous, and their absence means elite.
func classifyAnonymity(originIP, localIP, headerBody string) Anonymity {
	if originIP != "" && originIP == localIP {
		return AnonymityTransparent
	}
	if headerBody != "" && strings.Contains(headerBody, localIP) {
		return AnonymityAnonymous
	}
	return AnonymityElite
}

func (v *Validator) resolveLocalIP(ctx context.Context) (string, error) {
	v.localIPOnce.Do(func() {
		client := &http.Client{Timeout: v.cfg.Timeout}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.IPEchoURL, nil)
		if err != nil {
			v.localIPErr = err
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			v.localIPErr = err
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			v.localIPErr = err
			return
		}
		v.localIP = strings.TrimSpace(string(body))
	})
	return v.localIP, v.localIPErr
}

// fetchThrough opens a tunnel through proxyURL to target's host and
// issues a minimal HTTP/1.1 GET, returning the response body and status.
func (v *Validator) fetchThrough(ctx context.Context, proxyURL *url.URL, target string) (string, int, error) {
	dest, err := url.Parse(target)
	if err != nil {
		return "", 0, fmt.Errorf("validate: bad target URL %q: %v", target, err)
	}
	host := dest.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		if dest.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	conn, err := v.dial(ctx, proxyURL, host)
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	// The upstream tunnel is a raw TCP pipe; for an https:// target the
	// proxy never terminates TLS itself, so the handshake has to happen
	// here before any HTTP bytes are written.
	if dest.Scheme == "https" {
		tlsConn := tls.Client(conn, v.tlsConfig(dest.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return "", 0, fmt.Errorf("validate: tls handshake with %s: %w", dest.Hostname(), err)
		}
		conn = tlsConn
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Close = true
	if err := req.Write(conn); err != nil {
		return "", 0, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}
