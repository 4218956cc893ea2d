// Package guard composes the operational-safety checks every sensitive
// state-changing action must pass: global circuit breaker first, then the
// operation's configured policy (fixed-window rate limit or multi-party
// approval), then the collaborator's own logic.
package guard

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lcanady/backr-sub001/pkg/approval"
	"github.com/lcanady/backr-sub001/pkg/audit"
	"github.com/lcanady/backr-sub001/pkg/breaker"
	"github.com/lcanady/backr-sub001/pkg/events"
	"github.com/lcanady/backr-sub001/pkg/metrics"
	"github.com/lcanady/backr-sub001/pkg/models"
	"github.com/lcanady/backr-sub001/pkg/ratelimit"
	"github.com/lcanady/backr-sub001/pkg/roles"
)

// Error taxonomy. Component sentinels are re-exported so collaborators
// depend on one package.
var (
	ErrUnauthorized     = roles.ErrUnauthorized
	ErrInvalidConfig    = ratelimit.ErrInvalidConfig
	ErrRateLimited      = ratelimit.ErrExceeded
	ErrNotAnApprover    = approval.ErrNotAnApprover
	ErrNotApproved      = approval.ErrInsufficient
	ErrCircuitOpen      = breaker.ErrCircuitOpen
	ErrNotPaused        = breaker.ErrNotPaused
	ErrInvalidThreshold = approval.ErrInvalidConfig
)

// Reason codes recorded in metrics and the audit log.
const (
	ReasonAdmit       = "ADMIT"
	ReasonCircuitOpen = "CIRCUIT_OPEN"
	ReasonRateLimited = "RATE_LIMIT_EXCEEDED"
	ReasonNotApproved = "INSUFFICIENT_APPROVALS"

	gaugeBreakerPaused = "breaker_paused"
	auditVerdictAdmit  = "ADMIT"
	auditVerdictDeny   = "DENY"

	decisionLogTimeout = 2 * time.Second
)

// DecisionLog is the durable audit seam. Writes are best-effort: a log
// failure never flips an admission decision.
type DecisionLog interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Config struct {
	Deployer  models.Principal
	Limiter   ratelimit.Limiter
	Events    events.Sink
	Metrics   *metrics.Registry
	Audit     DecisionLog
	AuditSalt []byte
}

// Engine owns the four policy components and is the only writer to their
// state. Collaborators hold an *Engine and call Guard (or Wrap) ahead of
// each sensitive entry point.
type Engine struct {
	roles    *roles.Registry
	limiter  ratelimit.Limiter
	approval *approval.Registry
	breaker  *breaker.Breaker

	kinds *kindSet

	events    events.Sink
	metrics   *metrics.Registry
	decisions DecisionLog
	auditSalt []byte

	nowFn func() time.Time
}

func New(cfg Config) *Engine {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewInMemory()
	}
	sink := cfg.Events
	if sink == nil {
		sink = events.Discard{}
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Engine{
		roles:     roles.New(cfg.Deployer),
		limiter:   limiter,
		approval:  approval.New(),
		breaker:   breaker.New(),
		kinds:     newKindSet(),
		events:    sink,
		metrics:   reg,
		decisions: cfg.Audit,
		auditSalt: cfg.AuditSalt,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.nowFn = now }

func (e *Engine) Roles() *roles.Registry { return e.roles }

func (e *Engine) Breaker() models.BreakerState { return e.breaker.State() }

func (e *Engine) RateLimitPolicy(op models.OperationID) (models.RateLimitPolicy, bool) {
	return e.limiter.Policy(op)
}

func (e *Engine) MultiSigPolicy(op models.OperationID) (models.MultiSigPolicy, bool) {
	return e.approval.Policy(op)
}

func (e *Engine) ApprovalStatus(op models.OperationID, action models.ActionHash) (approval.Status, bool) {
	return e.approval.StatusOf(op, action)
}

// GrantRole assigns role to principal. Caller must hold the admin role
// (or be the deployer before any admin exists).
func (e *Engine) GrantRole(caller models.Principal, role models.Role, principal models.Principal) error {
	if err := e.roles.Grant(caller, role, principal); err != nil {
		return err
	}
	e.events.Publish(events.New(events.TypeRoleGranted, map[string]string{
		"role":      role.String(),
		"principal": string(principal),
	}))
	return nil
}

func (e *Engine) RevokeRole(caller models.Principal, role models.Role, principal models.Principal) error {
	if err := e.roles.Revoke(caller, role, principal); err != nil {
		return err
	}
	e.events.Publish(events.New(events.TypeRoleRevoked, map[string]string{
		"role":      role.String(),
		"principal": string(principal),
	}))
	return nil
}

// ConfigureRateLimit registers op as a quota-gated operation. Admin only.
// An operation already configured as multi-sig cannot also be rate
// limited.
func (e *Engine) ConfigureRateLimit(caller models.Principal, op models.OperationID, limit int, window time.Duration) error {
	if err := e.roles.Require(models.RoleAdmin, caller); err != nil {
		return err
	}
	created, err := e.kinds.claim(op, models.PolicyRateLimit)
	if err != nil {
		return err
	}
	if err := e.limiter.Configure(op, limit, window); err != nil {
		if created {
			e.kinds.release(op)
		}
		return err
	}
	e.events.Publish(events.New(events.TypeRateLimitConfigured, models.RateLimitPolicy{
		Operation: op, Limit: limit, Window: window,
	}))
	return nil
}

// ConfigureMultiSig registers op as an approval-gated operation. Admin
// only. Outstanding approval records survive reconfiguration.
func (e *Engine) ConfigureMultiSig(caller models.Principal, op models.OperationID, threshold int, approvers []models.Principal) error {
	if err := e.roles.Require(models.RoleAdmin, caller); err != nil {
		return err
	}
	created, err := e.kinds.claim(op, models.PolicyMultiSig)
	if err != nil {
		return err
	}
	if err := e.approval.Configure(op, threshold, approvers); err != nil {
		if created {
			e.kinds.release(op)
		}
		return err
	}
	e.events.Publish(events.New(events.TypeMultiSigConfigured, map[string]interface{}{
		"operation": op.String(),
		"threshold": threshold,
	}))
	return nil
}

// Approve records caller's approval of one action instance.
func (e *Engine) Approve(caller models.Principal, op models.OperationID, action models.ActionHash) (approval.Status, error) {
	st, err := e.approval.Approve(op, action, caller, e.nowFn())
	if err != nil {
		return st, err
	}
	e.events.Publish(events.New(events.TypeApprovalRecorded, st))
	if st.Approved {
		e.events.Publish(events.New(events.TypeApprovalThreshold, st))
	}
	return st, nil
}

// Trigger opens the circuit breaker. Emergency role required.
func (e *Engine) Trigger(caller models.Principal, reason string) (models.BreakerState, error) {
	if err := e.roles.Require(models.RoleEmergency, caller); err != nil {
		return models.BreakerState{}, err
	}
	st := e.breaker.Trigger(reason, e.nowFn())
	e.metrics.SetGauge(gaugeBreakerPaused, 1)
	e.events.Publish(events.New(events.TypeBreakerTriggered, st))
	return st, nil
}

// Resolve closes the circuit breaker. Emergency role required.
func (e *Engine) Resolve(caller models.Principal) error {
	if err := e.roles.Require(models.RoleEmergency, caller); err != nil {
		return err
	}
	if err := e.breaker.Resolve(); err != nil {
		return err
	}
	e.metrics.SetGauge(gaugeBreakerPaused, 0)
	e.events.Publish(events.New(events.TypeBreakerResolved, nil))
	return nil
}

// Guard runs the composed admission check for one attempt of op:
// breaker, then the operation's configured policy. Action identifies the
// instance for approval-gated operations and is ignored for quota-gated
// ones. Not idempotent for quota-gated operations; call exactly once per
// attempt.
func (e *Engine) Guard(ctx context.Context, op models.OperationID, caller models.Principal, action models.ActionHash) (models.GuardVerdict, error) {
	started := time.Now()
	now := e.nowFn()
	verdict := models.GuardVerdict{
		DecisionID: uuid.New().String(),
		Operation:  op,
		Caller:     caller,
		DecidedAt:  now,
	}

	var err error
	if berr := e.breaker.RequireActive(); berr != nil {
		verdict.Reason = ReasonCircuitOpen
		err = berr
	} else {
		switch e.kinds.kind(op) {
		case models.PolicyMultiSig:
			if aerr := e.approval.Require(op, action); aerr != nil {
				verdict.Reason = ReasonNotApproved
				err = aerr
			}
		default:
			// Rate-limited or unguarded; the limiter admits unknown ops.
			if _, lerr := e.limiter.CheckAndConsume(op, now); lerr != nil {
				verdict.Reason = ReasonRateLimited
				err = lerr
			}
		}
	}

	verdict.Allowed = err == nil
	if verdict.Allowed {
		verdict.Reason = ReasonAdmit
	}
	e.observe(ctx, verdict, action, time.Since(started))
	return verdict, err
}

// Handler is a collaborator entry point guarded by Wrap.
type Handler func(ctx context.Context) error

// Wrap decorates handler with the full guard chain. The handler body is
// only reached when every guard admits; a denial aborts the call and the
// collaborator must resubmit later.
func (e *Engine) Wrap(op models.OperationID, handler Handler) func(ctx context.Context, caller models.Principal, action models.ActionHash) error {
	return func(ctx context.Context, caller models.Principal, action models.ActionHash) error {
		if _, err := e.Guard(ctx, op, caller, action); err != nil {
			return err
		}
		return handler(ctx)
	}
}

func (e *Engine) observe(ctx context.Context, v models.GuardVerdict, action models.ActionHash, latency time.Duration) {
	e.metrics.ObserveGuard(v.Operation.String(), v.Allowed, v.Reason, latency)
	if v.Allowed {
		e.events.Publish(events.New(events.TypeGuardAdmitted, v))
	} else {
		e.events.Publish(events.New(events.TypeGuardDenied, v))
		if v.Reason == ReasonRateLimited {
			e.events.Publish(events.New(events.TypeRateLimitExceeded, v))
		}
	}
	if e.decisions == nil {
		return
	}
	verdict := auditVerdictDeny
	if v.Allowed {
		verdict = auditVerdictAdmit
	}
	rec := audit.Record{
		DecisionID: v.DecisionID,
		Operation:  v.Operation.String(),
		CallerHash: audit.HashCaller(string(v.Caller), e.auditSalt),
		Verdict:    verdict,
		ReasonCode: v.Reason,
		CreatedAt:  v.DecidedAt,
	}
	if !action.IsZero() {
		rec.ActionHash = action.String()
	}
	logCtx, cancel := context.WithTimeout(withoutCancel(ctx), decisionLogTimeout)
	defer cancel()
	if err := e.decisions.Append(logCtx, rec); err != nil {
		log.Printf("guard: audit append failed for %s: %v", v.DecisionID, err)
	}
}

// The audit row should outlive a caller that gives up immediately after
// the decision is made.
func withoutCancel(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
