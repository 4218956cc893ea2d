package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lcanady/backr-sub001/pkg/audit"
	"github.com/lcanady/backr-sub001/pkg/events"
	"github.com/lcanady/backr-sub001/pkg/models"
)

const (
	deployer  = models.Principal("0xdeployer")
	admin     = models.Principal("0xadmin")
	responder = models.Principal("0xresponder")
	caller    = models.Principal("0xcaller")

	a0 = models.Principal("0xa0")
	a1 = models.Principal("0xa1")
	a2 = models.Principal("0xa2")
)

var (
	withdrawal      = models.OpID("WITHDRAWAL")
	largeWithdrawal = models.OpID("LARGE_WITHDRAWAL")
	actionX         = models.Action([]byte("x"))
	actionY         = models.Action([]byte("y"))
)

type memoryLog struct {
	mu   sync.Mutex
	recs []audit.Record
	err  error
}

func (m *memoryLog) Append(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memoryLog) records() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.recs...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *testClock, *memoryLog) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	decisions := &memoryLog{}
	e := New(Config{Deployer: deployer, Audit: decisions})
	e.SetClock(clock.Now)
	if err := e.GrantRole(deployer, models.RoleAdmin, admin); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	if err := e.GrantRole(admin, models.RoleEmergency, responder); err != nil {
		t.Fatalf("grant emergency: %v", err)
	}
	return e, clock, decisions
}

func TestWithdrawalQuotaScenario(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.ConfigureRateLimit(admin, withdrawal, 10, 86400*time.Second); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
			t.Fatalf("guarded call %d: %v", i, err)
		}
	}
	v, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("eleventh call: %v", err)
	}
	if v.Allowed || v.Reason != ReasonRateLimited {
		t.Fatalf("verdict: %+v", v)
	}
	clock.Advance(86401 * time.Second)
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
		t.Fatalf("post-window call: %v", err)
	}
}

func TestMultiSigScenario(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 2, []models.Principal{a0, a1, a2}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := e.Approve(a0, largeWithdrawal, actionX); err != nil {
		t.Fatalf("approve a0: %v", err)
	}
	if _, err := e.Guard(ctx, largeWithdrawal, caller, actionX); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("one approval should not admit: %v", err)
	}
	if _, err := e.Approve(a1, largeWithdrawal, actionX); err != nil {
		t.Fatalf("approve a1: %v", err)
	}
	if _, err := e.Guard(ctx, largeWithdrawal, caller, actionX); err != nil {
		t.Fatalf("threshold met: %v", err)
	}
	// A different action instance needs its own approvals.
	if _, err := e.Guard(ctx, largeWithdrawal, caller, actionY); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("distinct instance: %v", err)
	}
}

func TestBreakerPrecedence(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.ConfigureRateLimit(admin, withdrawal, 10, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 1, []models.Principal{a0}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Approve(a0, largeWithdrawal, actionX); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Trigger(responder, "exploit suspected"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	// Quota available and approvals satisfied, but the breaker wins.
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("rate-limited op under pause: %v", err)
	}
	v, err := e.Guard(ctx, largeWithdrawal, caller, actionX)
	if !errors.Is(err, ErrCircuitOpen) || v.Reason != ReasonCircuitOpen {
		t.Fatalf("approval op under pause: %+v err=%v", v, err)
	}
	if err := e.Resolve(responder); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
		t.Fatalf("after resolve: %v", err)
	}
	if _, err := e.Guard(ctx, largeWithdrawal, caller, actionX); err != nil {
		t.Fatalf("approval intact through pause: %v", err)
	}
}

func TestBreakerCheckConsumesNoQuota(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.ConfigureRateLimit(admin, withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Trigger(responder, "pause"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("paused attempt %d: %v", i, err)
		}
	}
	if err := e.Resolve(responder); err != nil {
		t.Fatal(err)
	}
	// Attempts rejected by the breaker never reached the limiter.
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
		t.Fatalf("full quota should remain: %v", err)
	}
}

func TestPolicyKindConflict(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureRateLimit(admin, withdrawal, 10, time.Hour); err != nil {
		t.Fatal(err)
	}
	err := e.ConfigureMultiSig(admin, withdrawal, 1, []models.Principal{a0})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected kind conflict, got %v", err)
	}
	// Reconfiguring the same kind stays legal.
	if err := e.ConfigureRateLimit(admin, withdrawal, 20, time.Hour); err != nil {
		t.Fatalf("same-kind reconfigure: %v", err)
	}
}

func TestFailedFirstConfigureLeavesOperationUnclaimed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureRateLimit(admin, withdrawal, 0, time.Hour); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("invalid limit: %v", err)
	}
	// The failed claim must not pin the operation to the rate-limit kind.
	if err := e.ConfigureMultiSig(admin, withdrawal, 1, []models.Principal{a0}); err != nil {
		t.Fatalf("operation should be free for multi-sig: %v", err)
	}
}

func TestFailedReconfigureKeepsKind(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 1, []models.Principal{a0}); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 5, []models.Principal{a0}); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("invalid reconfigure: %v", err)
	}
	// The operation stays approval-gated with the old policy.
	if _, err := e.Guard(context.Background(), largeWithdrawal, caller, actionX); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("op must remain approval-gated: %v", err)
	}
}

func TestConfigurationRequiresAdmin(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureRateLimit(caller, withdrawal, 10, time.Hour); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("rate limit by non-admin: %v", err)
	}
	if err := e.ConfigureMultiSig(caller, withdrawal, 1, []models.Principal{a0}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("multi-sig by non-admin: %v", err)
	}
}

func TestBreakerRequiresEmergencyRole(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Trigger(caller, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("trigger by non-responder: %v", err)
	}
	if err := e.Resolve(caller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("resolve by non-responder: %v", err)
	}
	// Admin alone is not enough for emergency actions.
	if _, err := e.Trigger(admin, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("trigger by admin without emergency role: %v", err)
	}
}

func TestNonApproverCannotApprove(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 2, []models.Principal{a0, a1, a2}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Approve(caller, largeWithdrawal, actionX); !errors.Is(err, ErrNotAnApprover) {
		t.Fatalf("expected ErrNotAnApprover, got %v", err)
	}
}

func TestUnguardedOperationAdmits(t *testing.T) {
	e, _, _ := newTestEngine(t)
	v, err := e.Guard(context.Background(), models.OpID("PROFILE_UPDATE"), caller, models.ActionHash{})
	if err != nil || !v.Allowed || v.Reason != ReasonAdmit {
		t.Fatalf("unguarded op: %+v err=%v", v, err)
	}
}

func TestWrapOrdersGuardsBeforeHandler(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureRateLimit(admin, withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	invoked := 0
	wrapped := e.Wrap(withdrawal, func(context.Context) error {
		invoked++
		return nil
	})
	if err := wrapped(context.Background(), caller, models.ActionHash{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := wrapped(context.Background(), caller, models.ActionHash{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call: %v", err)
	}
	if invoked != 1 {
		t.Fatalf("handler must not run on denial, invoked=%d", invoked)
	}
}

func TestAuditTrail(t *testing.T) {
	e, _, decisions := newTestEngine(t)
	ctx := context.Background()
	if err := e.ConfigureRateLimit(admin, withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); !errors.Is(err, ErrRateLimited) {
		t.Fatal(err)
	}
	recs := decisions.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(recs))
	}
	if recs[0].Verdict != "ADMIT" || recs[1].Verdict != "DENY" {
		t.Fatalf("verdicts: %s, %s", recs[0].Verdict, recs[1].Verdict)
	}
	if recs[1].ReasonCode != ReasonRateLimited {
		t.Fatalf("reason: %s", recs[1].ReasonCode)
	}
	if recs[0].CallerHash == string(caller) || recs[0].CallerHash == "" {
		t.Fatalf("caller must be stored hashed, got %q", recs[0].CallerHash)
	}
	if recs[0].DecisionID == recs[1].DecisionID {
		t.Fatal("decision ids must be unique")
	}
}

func TestAuditFailureDoesNotFlipDecision(t *testing.T) {
	e, _, decisions := newTestEngine(t)
	decisions.err = errors.New("db down")
	if _, err := e.Guard(context.Background(), models.OpID("PROFILE_UPDATE"), caller, models.ActionHash{}); err != nil {
		t.Fatalf("audit failure must not deny: %v", err)
	}
}

func TestEventsEmitted(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
	hub := events.NewHub()
	ch := hub.Subscribe(64)
	e := New(Config{Deployer: deployer, Events: hub})
	e.SetClock(clock.Now)

	if err := e.GrantRole(deployer, models.RoleAdmin, admin); err != nil {
		t.Fatal(err)
	}
	if err := e.GrantRole(admin, models.RoleEmergency, responder); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfigureRateLimit(admin, withdrawal, 1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 1, []models.Principal{a0}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Approve(a0, largeWithdrawal, actionX); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Guard(ctx, withdrawal, caller, models.ActionHash{}); !errors.Is(err, ErrRateLimited) {
		t.Fatal(err)
	}
	if _, err := e.Trigger(responder, "drill"); err != nil {
		t.Fatal(err)
	}
	if err := e.Resolve(responder); err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		events.TypeRoleGranted:         false,
		events.TypeRateLimitConfigured: false,
		events.TypeMultiSigConfigured:  false,
		events.TypeApprovalRecorded:    false,
		events.TypeApprovalThreshold:   false,
		events.TypeGuardAdmitted:       false,
		events.TypeGuardDenied:         false,
		events.TypeRateLimitExceeded:   false,
		events.TypeBreakerTriggered:    false,
		events.TypeBreakerResolved:     false,
	}
	deadline := time.After(time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case evt := <-ch:
			if seen, tracked := want[evt.Type]; tracked && !seen {
				want[evt.Type] = true
				remaining--
			}
		case <-deadline:
			t.Fatalf("missing events: %+v", want)
		}
	}
}

func TestConcurrentGuardsRespectLimit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	const limit = 50
	if err := e.ConfigureRateLimit(admin, withdrawal, limit, time.Hour); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 4*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Guard(context.Background(), withdrawal, caller, models.ActionHash{}); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != limit {
		t.Fatalf("concurrent admissions must equal the limit: got %d want %d", admitted, limit)
	}
}

func TestConcurrentApprovalsNoDoubleCount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.ConfigureMultiSig(admin, largeWithdrawal, 3, []models.Principal{a0, a1, a2}); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Approve(a0, largeWithdrawal, actionX)
		}()
	}
	wg.Wait()
	st, ok := e.ApprovalStatus(largeWithdrawal, actionX)
	if !ok || st.ApprovedCount != 1 {
		t.Fatalf("duplicate concurrent approvals must count once: %+v ok=%v", st, ok)
	}
}
