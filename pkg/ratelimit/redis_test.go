package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lcanady/backr-sub001/pkg/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLimiter) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedis(client)
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	mr, l := newTestRedis(t)
	op := models.OpID("PROJECT_CREATE")
	if err := l.Configure(op, 2, time.Minute); err != nil {
		t.Fatalf("configure: %v", err)
	}
	now := time.Now()
	first, err := l.CheckAndConsume(op, now)
	if err != nil || !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v err=%v", first, err)
	}
	second, err := l.CheckAndConsume(op, now)
	if err != nil || !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v err=%v", second, err)
	}
	third, err := l.CheckAndConsume(op, now)
	if !errors.Is(err, ErrExceeded) || third.Allowed {
		t.Fatalf("third call should deny: %+v err=%v", third, err)
	}
	if third.Count != 2 {
		t.Fatalf("denial must not consume quota, count=%d", third.Count)
	}
	mr.FastForward(time.Minute + time.Second)
	reset, err := l.CheckAndConsume(op, now.Add(time.Minute+time.Second))
	if err != nil || !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window after expiry, got %+v err=%v", reset, err)
	}
}

func TestRedisLimiterUnconfigured(t *testing.T) {
	_, l := newTestRedis(t)
	d, err := l.CheckAndConsume(models.OpID("UNGUARDED"), time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("unguarded op must admit: %+v err=%v", d, err)
	}
}

func TestRedisLimiterReconfigureResets(t *testing.T) {
	_, l := newTestRedis(t)
	op := models.OpID("EMERGENCY_DRAIN")
	if err := l.Configure(op, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(op, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(op, time.Now()); !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if err := l.Configure(op, 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndConsume(op, time.Now()); err != nil {
		t.Fatalf("reconfigure should reset shared counter: %v", err)
	}
}

func TestRedisLimiterFallsBackWhenDown(t *testing.T) {
	mr, l := newTestRedis(t)
	op := models.OpID("WITHDRAWAL")
	if err := l.Configure(op, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	mr.Close()
	now := time.Now()
	if d, err := l.CheckAndConsume(op, now); err != nil || !d.Allowed {
		t.Fatalf("fallback should admit first call: %+v err=%v", d, err)
	}
	if _, err := l.CheckAndConsume(op, now); !errors.Is(err, ErrExceeded) {
		t.Fatalf("fallback should enforce limit: %v", err)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	l := NewRedis(nil)
	op := models.OpID("WITHDRAWAL")
	if err := l.Configure(op, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if d, err := l.CheckAndConsume(op, time.Now()); err != nil || !d.Allowed {
		t.Fatalf("nil client should use fallback: %+v err=%v", d, err)
	}
}
