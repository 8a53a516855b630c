// Package audit records the policy-authoring and approval trail: who
// drafted, approved, or published a license policy version, and when.
// Validation decisions themselves are not audited here — the offline
// validator has no database and §7 requires it to emit at most a single log
// line per decision, never proof material.
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

// Writer appends and reads the policy-registry audit trail.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is a single audit entry for an action taken against a policy
// version in the registry.
type Record struct {
	DecisionID  string
	ProductID   string
	PolicyVersionID string
	Action      string // drafted | submitted | approved | rejected | published
	ActorIDHash string
	Detail      string
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, product_id, policy_version_id, action, actor_id_hash, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.DecisionID, rec.ProductID, rec.PolicyVersionID, rec.Action, rec.ActorIDHash, rec.Detail, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID, productID string) (Record, error) {
	var rec Record
	if productID != "" {
		row := w.DB.QueryRow(ctx, `
			SELECT decision_id, product_id, policy_version_id, action, actor_id_hash, detail, created_at
			FROM audit_records WHERE product_id=$1 AND decision_id=$2
		`, productID, decisionID)
		if err := row.Scan(&rec.DecisionID, &rec.ProductID, &rec.PolicyVersionID, &rec.Action, &rec.ActorIDHash, &rec.Detail, &rec.CreatedAt); err != nil {
			return rec, err
		}
		return rec, nil
	}
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, product_id, policy_version_id, action, actor_id_hash, detail, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	if err := row.Scan(&rec.DecisionID, &rec.ProductID, &rec.PolicyVersionID, &rec.Action, &rec.ActorIDHash, &rec.Detail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
