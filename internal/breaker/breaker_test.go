package breaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, TimeoutDuration: time.Hour}, nil)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("expected Allow true before threshold reached")
		}
		b.Record(false)
	}
	if b.State() != Closed {
		t.Fatalf("expected CLOSED before threshold, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow true on third attempt")
	}
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected OPEN after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow false while OPEN and within timeout")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, TimeoutDuration: time.Millisecond}, nil)
	b.Allow()
	b.Record(false) // opens
	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected first Allow after timeout to admit the probe")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected second concurrent Allow to be rejected during HALF_OPEN probe")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, TimeoutDuration: time.Millisecond}, nil)
	b.Allow()
	b.Record(false)
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.Record(true)
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, TimeoutDuration: time.Millisecond}, nil)
	b.Allow()
	b.Record(false)
	time.Sleep(5 * time.Millisecond)
	b.Allow()
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected OPEN after failed probe, got %s", b.State())
	}
}

func TestBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.FailureThreshold)
	}
	if cfg.TimeoutDuration != 60*time.Second {
		t.Errorf("expected default timeout 60s, got %v", cfg.TimeoutDuration)
	}
}
