package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/lcanady/backr-sub001/pkg/models"
)

var withdrawal = models.OpID("WITHDRAWAL")

func TestWindowBehavior(t *testing.T) {
	l := NewInMemory()
	if err := l.Configure(withdrawal, 10, 24*time.Hour); err != nil {
		t.Fatalf("configure: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	for i := 1; i <= 10; i++ {
		d, err := l.CheckAndConsume(withdrawal, now)
		if err != nil || !d.Allowed {
			t.Fatalf("call %d should admit, got %+v err=%v", i, d, err)
		}
		if d.Count != i {
			t.Fatalf("call %d: count=%d", i, d.Count)
		}
	}
	d, err := l.CheckAndConsume(withdrawal, now)
	if !errors.Is(err, ErrExceeded) || d.Allowed {
		t.Fatalf("call 11 should deny with ErrExceeded, got %+v err=%v", d, err)
	}
	// Advance past the window: fresh window, count restarts at 1.
	later := now.Add(24*time.Hour + time.Second)
	d, err = l.CheckAndConsume(withdrawal, later)
	if err != nil || !d.Allowed || d.Count != 1 {
		t.Fatalf("post-window call should begin fresh window with count 1, got %+v err=%v", d, err)
	}
}

func TestDenialDoesNotConsume(t *testing.T) {
	l := NewInMemory()
	if err := l.Configure(withdrawal, 2, time.Hour); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 2; i++ {
		if _, err := l.CheckAndConsume(withdrawal, now); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndConsume(withdrawal, now); !errors.Is(err, ErrExceeded) {
			t.Fatalf("denial %d: %v", i, err)
		}
	}
	if got := l.Count(withdrawal); got != 2 {
		t.Fatalf("counter must stay at limit after denials, got %d", got)
	}
}

func TestUnconfiguredOperationAdmits(t *testing.T) {
	l := NewInMemory()
	for i := 0; i < 100; i++ {
		d, err := l.CheckAndConsume(models.OpID("UNGUARDED"), time.Now())
		if err != nil || !d.Allowed {
			t.Fatalf("unguarded op must always admit, got %+v err=%v", d, err)
		}
	}
}

func TestConfigureValidation(t *testing.T) {
	l := NewInMemory()
	if err := l.Configure(withdrawal, 0, time.Hour); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero limit: %v", err)
	}
	if err := l.Configure(withdrawal, 5, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero window: %v", err)
	}
}

func TestReconfigureResetsCounter(t *testing.T) {
	l := NewInMemory()
	now := time.Unix(1_700_000_000, 0)
	if err := l.Configure(withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(withdrawal, now); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(withdrawal, now); !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if err := l.Configure(withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(withdrawal, now); err != nil {
		t.Fatalf("counter should reset on reconfigure: %v", err)
	}
}

func TestBurstAcrossBoundaryAllowed(t *testing.T) {
	// Fixed window by design: a full burst at the end of one window plus
	// another immediately after the reset is admitted.
	l := NewInMemory()
	if err := l.Configure(withdrawal, 3, time.Minute); err != nil {
		t.Fatal(err)
	}
	endOfWindow := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndConsume(withdrawal, endOfWindow); err != nil {
			t.Fatalf("first burst %d: %v", i, err)
		}
	}
	afterReset := endOfWindow.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndConsume(withdrawal, afterReset); err != nil {
			t.Fatalf("second burst %d: %v", i, err)
		}
	}
}
