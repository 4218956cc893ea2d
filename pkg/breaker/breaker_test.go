package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestTriggerAndResolve(t *testing.T) {
	b := New()
	if err := b.RequireActive(); err != nil {
		t.Fatalf("fresh breaker should be active: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	st := b.Trigger("oracle failure", now)
	if !st.Paused || st.Reason != "oracle failure" || !st.TriggeredAt.Equal(now) {
		t.Fatalf("unexpected state: %+v", st)
	}
	if err := b.RequireActive(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if err := b.Resolve(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := b.RequireActive(); err != nil {
		t.Fatalf("breaker should be active after resolve: %v", err)
	}
}

func TestRetriggerUpdatesReason(t *testing.T) {
	b := New()
	b.Trigger("first", time.Unix(100, 0))
	st := b.Trigger("second", time.Unix(200, 0))
	if st.Reason != "second" || !st.TriggeredAt.Equal(time.Unix(200, 0)) {
		t.Fatalf("retrigger should update reason and time: %+v", st)
	}
}

func TestResolveWhenActiveFails(t *testing.T) {
	b := New()
	if err := b.Resolve(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
	b.Trigger("x", time.Now())
	if err := b.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := b.Resolve(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("second resolve should fail: %v", err)
	}
}

func TestStateClearedOnResolve(t *testing.T) {
	b := New()
	b.Trigger("incident", time.Now())
	if err := b.Resolve(); err != nil {
		t.Fatal(err)
	}
	st := b.State()
	if st.Paused || st.Reason != "" || !st.TriggeredAt.IsZero() {
		t.Fatalf("state should reset on resolve: %+v", st)
	}
}
