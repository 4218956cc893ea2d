package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ID is a fixed-size opaque identifier derived from a human-readable name.
// Roles, operations and action instances all share this shape so they can
// be used directly as map keys.
type ID [32]byte

// Role names a capability, e.g. RoleID("ADMIN").
type Role = ID

// OperationID names a protected action class, e.g. OpID("WITHDRAWAL").
type OperationID = ID

// ActionHash identifies one concrete attempt of an operation. It is
// chosen by the collaborator and scopes multi-signature approvals.
type ActionHash = ID

// Principal is an opaque caller address.
type Principal string

func RoleID(name string) Role { return sha256.Sum256([]byte("role:" + name)) }

func OpID(name string) OperationID { return sha256.Sum256([]byte("op:" + name)) }

// Action derives an ActionHash from arbitrary caller-chosen bytes.
func Action(payload []byte) ActionHash { return sha256.Sum256(payload) }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	if len(decoded) != len(id) {
		return fmt.Errorf("invalid id: want %d bytes, got %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return nil
}

// ParseID decodes a hex-encoded identifier from the HTTP surface.
func ParseID(s string) (ID, error) {
	var id ID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Well-known roles. Collaborators may define additional ones.
var (
	RoleAdmin     = RoleID("ADMIN")
	RoleOperator  = RoleID("OPERATOR")
	RoleEmergency = RoleID("EMERGENCY")
)

// PolicyKind says how an operation is guarded. An operation is configured
// as exactly one kind.
type PolicyKind string

const (
	PolicyRateLimit PolicyKind = "RATE_LIMIT"
	PolicyMultiSig  PolicyKind = "MULTI_SIG"
)

// RateLimitPolicy is a fixed-window quota for one operation.
type RateLimitPolicy struct {
	Operation OperationID   `json:"operation"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
}

// MultiSigPolicy requires Threshold distinct approvers per action instance.
type MultiSigPolicy struct {
	Operation OperationID `json:"operation"`
	Threshold int         `json:"threshold"`
	Approvers []Principal `json:"approvers"`
}

// GuardVerdict is the admission-control outcome for one attempt.
type GuardVerdict struct {
	DecisionID string      `json:"decision_id"`
	Operation  OperationID `json:"operation"`
	Caller     Principal   `json:"caller"`
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason"`
	DecidedAt  time.Time   `json:"decided_at"`
}

// BreakerState is a snapshot of the global circuit breaker.
type BreakerState struct {
	Paused      bool      `json:"paused"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}
