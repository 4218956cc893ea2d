package approval

import (
	"errors"
	"sync"
	"time"

	"github.com/lcanady/backr-sub001/pkg/models"
)

var (
	ErrInvalidConfig = errors.New("multi-sig policy requires 1 <= threshold <= len(approvers)")
	ErrNotAnApprover = errors.New("caller is not a configured approver")
	ErrInsufficient  = errors.New("approval threshold not met")
)

// Status reports the live approval state for one action instance.
type Status struct {
	Operation     models.OperationID `json:"operation"`
	ActionHash    models.ActionHash  `json:"action_hash"`
	Threshold     int                `json:"threshold"`
	ApprovedCount int                `json:"approved_count"`
	Approved      bool               `json:"approved"`
}

type recordKey struct {
	op     models.OperationID
	action models.ActionHash
}

type record struct {
	approvedBy map[models.Principal]time.Time
}

// Registry tracks per-(operation, action instance) approval sets against
// configured thresholds. A satisfied record is single-use: Require
// consumes it, so repeating the same action instance needs a fresh round
// of approvals.
type Registry struct {
	mu       sync.Mutex
	policies map[models.OperationID]models.MultiSigPolicy
	records  map[recordKey]*record
}

func New() *Registry {
	return &Registry{
		policies: map[models.OperationID]models.MultiSigPolicy{},
		records:  map[recordKey]*record{},
	}
}

// Configure sets or overwrites the policy for op. Outstanding approval
// records survive a reconfiguration; only the threshold and approver set
// applied at check time change.
func (r *Registry) Configure(op models.OperationID, threshold int, approvers []models.Principal) error {
	set := make([]models.Principal, 0, len(approvers))
	seen := map[models.Principal]struct{}{}
	for _, a := range approvers {
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		set = append(set, a)
	}
	if threshold <= 0 || threshold > len(set) {
		return ErrInvalidConfig
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[op] = models.MultiSigPolicy{Operation: op, Threshold: threshold, Approvers: set}
	return nil
}

func (r *Registry) Policy(op models.OperationID) (models.MultiSigPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pol, ok := r.policies[op]
	return pol, ok
}

// Approve registers caller's intent for one action instance. Approving
// the same instance twice is a harmless no-op.
func (r *Registry) Approve(op models.OperationID, action models.ActionHash, caller models.Principal, now time.Time) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pol, ok := r.policies[op]
	if !ok {
		return Status{}, ErrNotAnApprover
	}
	if !isApprover(pol, caller) {
		return Status{}, ErrNotAnApprover
	}
	key := recordKey{op: op, action: action}
	rec, ok := r.records[key]
	if !ok {
		rec = &record{approvedBy: map[models.Principal]time.Time{}}
		r.records[key] = rec
	}
	if _, already := rec.approvedBy[caller]; !already {
		rec.approvedBy[caller] = now
	}
	return r.statusLocked(pol, key, rec), nil
}

// IsApproved reports whether the threshold is met. Operations with no
// policy are unguarded and always approved.
func (r *Registry) IsApproved(op models.OperationID, action models.ActionHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pol, ok := r.policies[op]
	if !ok {
		return true
	}
	rec, ok := r.records[recordKey{op: op, action: action}]
	if !ok {
		return false
	}
	return countValid(pol, rec) >= pol.Threshold
}

// Require is the guard check. On success it consumes the record so the
// same action hash cannot authorize a second execution.
func (r *Registry) Require(op models.OperationID, action models.ActionHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pol, ok := r.policies[op]
	if !ok {
		return nil
	}
	key := recordKey{op: op, action: action}
	rec, ok := r.records[key]
	if !ok || countValid(pol, rec) < pol.Threshold {
		return ErrInsufficient
	}
	delete(r.records, key)
	return nil
}

// StatusOf exposes the live record for observability endpoints.
func (r *Registry) StatusOf(op models.OperationID, action models.ActionHash) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pol, ok := r.policies[op]
	if !ok {
		return Status{}, false
	}
	key := recordKey{op: op, action: action}
	rec, ok := r.records[key]
	if !ok {
		rec = &record{}
	}
	return r.statusLocked(pol, key, rec), true
}

func (r *Registry) statusLocked(pol models.MultiSigPolicy, key recordKey, rec *record) Status {
	count := countValid(pol, rec)
	return Status{
		Operation:     key.op,
		ActionHash:    key.action,
		Threshold:     pol.Threshold,
		ApprovedCount: count,
		Approved:      count >= pol.Threshold,
	}
}

// Approvals from principals removed by a later reconfiguration no longer
// count toward the threshold.
func countValid(pol models.MultiSigPolicy, rec *record) int {
	count := 0
	for p := range rec.approvedBy {
		if isApprover(pol, p) {
			count++
		}
	}
	return count
}

func isApprover(pol models.MultiSigPolicy, p models.Principal) bool {
	for _, a := range pol.Approvers {
		if a == p {
			return true
		}
	}
	return false
}
