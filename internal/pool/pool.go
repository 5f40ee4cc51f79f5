// Package pool owns the live set of proxies and their concurrent
// access. It generalizes the teacher's liveness/latency list into the
// full rotation-core ProxyPool (spec.md §3, §4.D): one entry per URL,
// filtered views by health/country/region, and a single writer lock for
// cross-proxy mutations while per-proxy counters stay lock-free atomics.
package pool

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

// Pool holds all known proxies, one entry per URL.
type Pool struct {
	mu      sync.RWMutex
	byURL   map[string]*proxytypes.Proxy
	byID    map[uuid.UUID]*proxytypes.Proxy
	ordered []*proxytypes.Proxy // preserves insertion order for round-robin-style strategies
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		byURL: make(map[string]*proxytypes.Proxy),
		byID:  make(map[uuid.UUID]*proxytypes.Proxy),
	}
}

// Add inserts a proxy, or updates an existing entry sharing the same
// URL in place — preserving its access history — per the uniqueness
// invariant in spec.md §3 ("at-most-one entry per url").
func (p *Pool) Add(px *proxytypes.Proxy) {
	key := px.NormalizedURL()

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byURL[key]; ok {
		existing.Username = px.Username
		existing.SetPassword(px.Password())
		existing.Source = px.Source
		existing.CountryCode = px.CountryCode
		existing.Region = px.Region
		existing.CostPerRequest = px.CostPerRequest
		for k, v := range px.Metadata {
			existing.Metadata[k] = v
		}
		return
	}

	p.byURL[key] = px
	p.byID[px.ID] = px
	p.ordered = append(p.ordered, px)
}

// Remove deletes the proxy registered under the given URL, if any.
func (p *Pool) Remove(raw *url.URL) {
	key := normalizeURL(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(p.byURL[key])
}

// RemoveByID deletes a proxy by its ID — used by the health monitor
// when a proxy is marked DEAD (spec.md §4.H step 3).
func (p *Pool) RemoveByID(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(p.byID[id])
}

func (p *Pool) removeLocked(px *proxytypes.Proxy) {
	if px == nil {
		return
	}
	delete(p.byID, px.ID)
	delete(p.byURL, px.NormalizedURL())
	for i, o := range p.ordered {
		if o == px {
			p.ordered = append(p.ordered[:i], p.ordered[i+1:]...)
			break
		}
	}
}

// Get returns the proxy with the given ID, or nil.
func (p *Pool) Get(id uuid.UUID) *proxytypes.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// All returns a snapshot of every proxy in insertion order.
func (p *Pool) All() []*proxytypes.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*proxytypes.Proxy, len(p.ordered))
	copy(out, p.ordered)
	return out
}

// Healthy returns a snapshot of proxies currently classified HEALTHY.
func (p *Pool) Healthy() []*proxytypes.Proxy {
	return p.filter(func(px *proxytypes.Proxy) bool { return px.IsHealthy() })
}

// ByCountry returns a snapshot of proxies matching the given ISO-3166-1
// alpha-2 country code.
func (p *Pool) ByCountry(code string) []*proxytypes.Proxy {
	return p.filter(func(px *proxytypes.Proxy) bool { return px.CountryCode == code })
}

// ByRegion returns a snapshot of proxies matching the given region.
func (p *Pool) ByRegion(region string) []*proxytypes.Proxy {
	return p.filter(func(px *proxytypes.Proxy) bool { return px.Region == region })
}

func (p *Pool) filter(pred func(*proxytypes.Proxy) bool) []*proxytypes.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*proxytypes.Proxy
	for _, px := range p.ordered {
		if pred(px) {
			out = append(out, px)
		}
	}
	return out
}

// Len returns the total number of proxies in the pool.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ordered)
}

// HealthyLen returns the number of HEALTHY proxies.
func (p *Pool) HealthyLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, px := range p.ordered {
		if px.IsHealthy() {
			n++
		}
	}
	return n
}

func normalizeURL(raw *url.URL) string {
	return (&proxytypes.Proxy{URL: raw}).NormalizedURL()
}

// LoadFile parses a proxy list file (one URI per line, '#' comments and
// blank lines ignored) and adds every valid entry to the pool. Kept
// from the teacher's bootstrap loader and generalized to the full
// Proxy type; invalid lines are skipped with a warning rather than
// failing the whole load.
func (p *Pool) LoadFile(path, source string) (loaded, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		px, perr := ParseProxyURI(line, source)
		if perr != nil {
			fmt.Fprintf(os.Stderr, "warn: skip invalid proxy %q: %v\n", line, perr)
			skipped++
			continue
		}
		p.Add(px)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, skipped, fmt.Errorf("read proxy file: %w", err)
	}
	return loaded, skipped, nil
}

// ParseProxyURI parses a single proxy URI line into a Proxy. Bare
// host:port is assumed http://, matching the teacher's loader.
func ParseProxyURI(raw, source string) (*proxytypes.Proxy, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return nil, fmt.Errorf("unsupported scheme %q (use http, https, socks4, socks5)", scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	u.Scheme = scheme
	return proxytypes.NewProxy(u, source), nil
}
