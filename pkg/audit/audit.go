package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends guard decisions to the durable audit table consumed by
// the indexer. Caller identity arrives as a salted hash, never raw.
type Writer struct {
	DB auditDB
}

type Record struct {
	DecisionID string
	Operation  string
	CallerHash string
	Verdict    string
	ReasonCode string
	ActionHash string
	CreatedAt  time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS guard_decisions (
	decision_id TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	caller_hash TEXT NOT NULL,
	verdict     TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	action_hash TEXT,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS guard_decisions_operation_idx ON guard_decisions(operation, created_at);
`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO guard_decisions
		(decision_id, operation, caller_hash, verdict, reason_code, action_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.DecisionID, rec.Operation, rec.CallerHash, rec.Verdict, rec.ReasonCode, rec.ActionHash, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, operation, caller_hash, verdict, reason_code, action_hash, created_at
		FROM guard_decisions WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.Operation, &rec.CallerHash, &rec.Verdict, &rec.ReasonCode, &rec.ActionHash, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// CountDenials reports how many denials an operation accumulated since
// the cutoff, for alerting collaborators.
func (w *Writer) CountDenials(ctx context.Context, operation string, since time.Time) (int64, error) {
	var count int64
	row := w.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM guard_decisions
		WHERE operation=$1 AND verdict='DENY' AND created_at >= $2
	`, operation, since)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
