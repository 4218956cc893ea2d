package events

import (
	"encoding/json"
	"time"
)

// Event types emitted for external monitoring collaborators (indexer,
// alerting). The Data payload is the JSON form of the relevant model.
const (
	TypeRoleGranted         = "role.granted"
	TypeRoleRevoked         = "role.revoked"
	TypeRateLimitConfigured = "ratelimit.configured"
	TypeRateLimitExceeded   = "ratelimit.exceeded"
	TypeMultiSigConfigured  = "multisig.configured"
	TypeApprovalRecorded    = "approval.recorded"
	TypeApprovalThreshold   = "approval.threshold"
	TypeBreakerTriggered    = "breaker.triggered"
	TypeBreakerResolved     = "breaker.resolved"
	TypeGuardAdmitted       = "guard.admitted"
	TypeGuardDenied         = "guard.denied"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func New(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Sink receives engine events. Publish must not block the guard path.
type Sink interface {
	Publish(evt Event)
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(evt Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(evt)
		}
	}
}

// Discard drops all events.
type Discard struct{}

func (Discard) Publish(Event) {}
