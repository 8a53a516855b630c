package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan target %T", dest)
	}
}

func testRecord() Record {
	return Record{
		DecisionID:      "dec-1",
		ProductID:       "widget-pro",
		PolicyVersionID: "v3",
		Action:          "published",
		ActorIDHash:     "reviewer-42",
		Detail:          "approved by 2 reviewers",
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriter_Append(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), testRecord()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(db.execArgs) != 7 {
		t.Fatalf("expected 7 exec args, got %d", len(db.execArgs))
	}
	if db.execArgs[0] != "dec-1" {
		t.Errorf("decision_id arg = %v, want dec-1", db.execArgs[0])
	}
}

func TestWriter_AppendRedactsActorID(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, Redact: true, HashSalt: []byte("pepper")}
	if err := w.Append(context.Background(), testRecord()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	actorArg, ok := db.execArgs[4].(string)
	if !ok {
		t.Fatalf("expected string actor arg, got %T", db.execArgs[4])
	}
	if actorArg == "reviewer-42" {
		t.Error("expected actor id to be hashed when Redact is enabled")
	}
	if len(actorArg) != 64 {
		t.Errorf("expected a 64-char hex sha256 digest, got %q", actorArg)
	}
}

func TestWriter_AppendPropagatesError(t *testing.T) {
	db := &fakeAuditDB{execErr: fmt.Errorf("connection refused")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), testRecord()); err == nil {
		t.Fatal("expected error to propagate from Exec")
	}
}

func TestWriter_GetByDecisionID(t *testing.T) {
	db := &fakeAuditDB{
		rowValues: []any{"dec-1", "widget-pro", "v3", "published", "reviewer-42", "approved", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	w := &Writer{DB: db}
	rec, err := w.Get(context.Background(), "dec-1", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ProductID != "widget-pro" {
		t.Errorf("ProductID = %q, want widget-pro", rec.ProductID)
	}
}

func TestWriter_GetByProductScoped(t *testing.T) {
	db := &fakeAuditDB{
		rowValues: []any{"dec-1", "widget-pro", "v3", "published", "reviewer-42", "approved", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	w := &Writer{DB: db}
	rec, err := w.Get(context.Background(), "dec-1", "widget-pro")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Action != "published" {
		t.Errorf("Action = %q, want published", rec.Action)
	}
	if db.queryArgs[0] != "widget-pro" {
		t.Errorf("expected product-scoped query, got args %v", db.queryArgs)
	}
}

func TestWriter_GetPropagatesScanError(t *testing.T) {
	db := &fakeAuditDB{rowErr: fmt.Errorf("no rows")}
	w := &Writer{DB: db}
	if _, err := w.Get(context.Background(), "missing", ""); err == nil {
		t.Fatal("expected error from Get")
	}
}
