package strategy

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
)

func newTestProxy(t *testing.T, raw string) *proxytypes.Proxy {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	px := proxytypes.NewProxy(u, "test")
	px.SetHealthStatus(proxytypes.HealthHealthy)
	return px
}

func TestRoundRobin_CyclesAndContinuesAfterResize(t *testing.T) {
	p1 := newTestProxy(t, "http://p1.test:8080")
	p2 := newTestProxy(t, "http://p2.test:8080")
	p3 := newTestProxy(t, "http://p3.test:8080")
	all := []*proxytypes.Proxy{p1, p2, p3}

	rr := NewRoundRobin()
	var got []*proxytypes.Proxy
	for i := 0; i < 4; i++ {
		px, err := rr.Select(all, proxytypes.SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, px)
	}
	want := []*proxytypes.Proxy{p1, p2, p3, p1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("selection %d: got %v want %v", i, got[i].URL, want[i].URL)
		}
	}

	// Remove p2 (unhealthy) -> candidate set resizes to [p1, p3].
	remaining := []*proxytypes.Proxy{p1, p3}
	var got2 []*proxytypes.Proxy
	for i := 0; i < 3; i++ {
		px, err := rr.Select(remaining, proxytypes.SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		got2 = append(got2, px)
	}
	want2 := []*proxytypes.Proxy{p3, p1, p3}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Errorf("post-resize selection %d: got %v want %v", i, got2[i].URL, want2[i].URL)
		}
	}
}

func TestRoundRobin_ExcludesFailedProxyIDs(t *testing.T) {
	p1 := newTestProxy(t, "http://p1.test:8080")
	p2 := newTestProxy(t, "http://p2.test:8080")
	rr := NewRoundRobin()
	ctx := proxytypes.SelectionContext{
		FailedProxyIDs: map[uuid.UUID]struct{}{p1.ID: {}},
	}
	for i := 0; i < 5; i++ {
		px, err := rr.Select([]*proxytypes.Proxy{p1, p2}, ctx)
		if err != nil {
			t.Fatal(err)
		}
		if px.ID == p1.ID {
			t.Fatalf("selection returned excluded proxy p1")
		}
	}
}

func TestLeastUsed_PicksFewestRequests(t *testing.T) {
	p1 := newTestProxy(t, "http://p1.test:8080")
	p2 := newTestProxy(t, "http://p2.test:8080")
	p1.TotalRequests.Store(10)
	p2.TotalRequests.Store(2)

	lu := NewLeastUsed()
	px, err := lu.Select([]*proxytypes.Proxy{p1, p2}, proxytypes.SelectionContext{})
	if err != nil {
		t.Fatal(err)
	}
	if px != p2 {
		t.Errorf("expected least-used proxy p2, got %v", px.URL)
	}
}

func TestPerformanceBased_ColdStartThenFavorsLowLatency(t *testing.T) {
	a := newTestProxy(t, "http://a.test:8080")
	b := newTestProxy(t, "http://b.test:8080")
	c := newTestProxy(t, "http://c.test:8080")
	all := []*proxytypes.Proxy{a, b, c}

	strat := NewPerformanceBased()
	strat.Configure(proxytypes.StrategyConfig{EMAAlpha: 0.2, FailurePenaltyMs: 5000})

	latencies := map[*proxytypes.Proxy]float64{a: 50, b: 200, c: 500}
	for px, ms := range latencies {
		px.RecordResult(true, time.Duration(ms)*time.Millisecond, 0.2, 5000)
	}

	counts := map[*proxytypes.Proxy]int{}
	for i := 0; i < 1000; i++ {
		px, err := strat.Select(all, proxytypes.SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		counts[px]++
		strat.RecordResult(px, true, latencies[px])
	}
	freqA := float64(counts[a]) / 1000
	freqB := float64(counts[b]) / 1000
	freqC := float64(counts[c]) / 1000
	if !(freqA > freqB && freqB > freqC) {
		t.Errorf("expected freq(A) > freq(B) > freq(C), got %v %v %v", freqA, freqB, freqC)
	}
	if freqA <= 0.5 {
		t.Errorf("expected freq(A) > 0.5, got %v", freqA)
	}
}

func TestSessionPersistent_StickyThenFailover(t *testing.T) {
	p1 := newTestProxy(t, "http://p1.test:8080")
	p2 := newTestProxy(t, "http://p2.test:8080")
	all := []*proxytypes.Proxy{p1, p2}

	strat := NewSessionPersistent()
	ctx := proxytypes.SelectionContext{SessionID: "s1"}

	first, err := strat.Select(all, ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := strat.Select(all, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected same proxy across two selects for the same session")
	}

	// Failover: bound proxy no longer a healthy candidate.
	var remaining []*proxytypes.Proxy
	for _, px := range all {
		if px != first {
			remaining = append(remaining, px)
		}
	}
	third, err := strat.Select(remaining, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Fatalf("expected failover to bind a different proxy")
	}
	fourth, err := strat.Select(remaining, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fourth != third {
		t.Fatalf("expected rebound session to stick to the new proxy")
	}
}

func TestGeoTargeted_FallbackAndRaise(t *testing.T) {
	us := newTestProxy(t, "http://us.test:8080")
	us.CountryCode = "US"
	de := newTestProxy(t, "http://de.test:8080")
	de.CountryCode = "DE"
	all := []*proxytypes.Proxy{us, de}

	reg := Default()
	geo := NewGeoTargeted(reg)
	geo.Configure(proxytypes.StrategyConfig{GeoFallbackEnabled: false, GeoSecondaryStrategy: "round_robin"})

	px, err := geo.Select(all, proxytypes.SelectionContext{TargetCountry: "US"})
	if err != nil {
		t.Fatal(err)
	}
	if px != us {
		t.Errorf("expected US proxy selected, got %v", px.URL)
	}

	_, err = geo.Select(all, proxytypes.SelectionContext{TargetCountry: "FR"})
	if err != proxytypes.ErrProxyPoolEmpty {
		t.Errorf("expected ErrProxyPoolEmpty with fallback disabled, got %v", err)
	}

	geo.Configure(proxytypes.StrategyConfig{GeoFallbackEnabled: true, GeoSecondaryStrategy: "round_robin"})
	px, err = geo.Select(all, proxytypes.SelectionContext{TargetCountry: "FR"})
	if err != nil {
		t.Errorf("expected fallback selection to succeed, got error %v", err)
	}
	if px == nil {
		t.Errorf("expected a fallback proxy, got nil")
	}
}

func TestCostAware_HardFilter(t *testing.T) {
	cheap := newTestProxy(t, "http://cheap.test:8080")
	cheap.CostPerRequest = 0.001
	expensive := newTestProxy(t, "http://expensive.test:8080")
	expensive.CostPerRequest = 10

	ca := NewCostAware()
	ca.Configure(proxytypes.StrategyConfig{MaxCostPerRequest: 1, FreeProxyBoost: 10})

	for i := 0; i < 20; i++ {
		px, err := ca.Select([]*proxytypes.Proxy{cheap, expensive}, proxytypes.SelectionContext{})
		if err != nil {
			t.Fatal(err)
		}
		if px == expensive {
			t.Fatalf("expensive proxy should have been filtered by MaxCostPerRequest")
		}
	}
}

func TestEmptyCandidates_ReturnsProxyPoolEmpty(t *testing.T) {
	for _, s := range []Strategy{
		NewRoundRobin(), NewRandom(), NewWeighted(), NewLeastUsed(),
		NewPerformanceBased(), NewSessionPersistent(), NewCostAware(),
	} {
		if _, err := s.Select(nil, proxytypes.SelectionContext{}); err != proxytypes.ErrProxyPoolEmpty {
			t.Errorf("%T: expected ErrProxyPoolEmpty on empty candidates, got %v", s, err)
		}
	}
}
