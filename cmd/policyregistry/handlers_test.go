package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chainborn/pkg/audit"
	"chainborn/pkg/auth"
	"chainborn/pkg/store"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRegistryDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f fakeRegistryDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f fakeRegistryDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRegistryRows{}, nil
}

func (f fakeRegistryDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRegistryRow{err: pgx.ErrNoRows}
}

type fakeRegistryRow struct {
	values []any
	err    error
}

func (r fakeRegistryRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignRegistryScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRegistryRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRegistryRows) Close()                                      {}
func (r *fakeRegistryRows) Err() error                                  { return r.err }
func (r *fakeRegistryRows) CommandTag() pgconn.CommandTag               { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRegistryRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRegistryRows) RawValues() [][]byte                         { return nil }
func (r *fakeRegistryRows) Conn() *pgx.Conn                             { return nil }

func (r *fakeRegistryRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRegistryRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignRegistryScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRegistryRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignRegistryScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not []byte")
		}
		*d = append((*d)[:0], v...)
	case *int:
		v, ok := value.(int)
		if !ok {
			return errors.New("value is not int")
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// fakeCache is a deterministic store.Cache double for testing the publish
// race guard without a real Redis.
type fakeCache struct {
	setNXFn func(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

func (c fakeCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.setNXFn != nil {
		return c.setNXFn(ctx, key, value, ttl)
	}
	return true, nil
}
func (c fakeCache) Get(ctx context.Context, key string) (string, error) { return "", nil }

func (c fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (c fakeCache) Del(ctx context.Context, key string) error { return nil }

func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func authedRequest(req *http.Request, subject string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{Subject: subject}))
}

func validDraftJSON(productID, version string) string {
	return `{"productId":"` + productID + `","version":"` + version + `","bindingMode":"none","cacheTtl":3600,"revocationModel":"none"}`
}

func TestCreateVersion(t *testing.T) {
	s := &Server{DB: fakeRegistryDB{}}

	rr := httptest.NewRecorder()
	s.createVersion(rr, httptest.NewRequest(http.MethodPost, "/v1/policy-versions", strings.NewReader(`{bad`)))
	if rr.Code != 400 {
		t.Fatalf("expected 400 for invalid json, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.createVersion(rr, httptest.NewRequest(http.MethodPost, "/v1/policy-versions", strings.NewReader(`{"productId":"acme"}`)))
	if rr.Code != 400 {
		t.Fatalf("expected 400 for missing version, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.createVersion(rr, httptest.NewRequest(http.MethodPost, "/v1/policy-versions", strings.NewReader(`{"productId":"acme","version":"1","bindingMode":"bogus","cacheTtl":3600,"revocationModel":"none"}`)))
	if rr.Code != 422 {
		t.Fatalf("expected 422 for invalid policy document, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.createVersion(rr, httptest.NewRequest(http.MethodPost, "/v1/policy-versions", strings.NewReader(validDraftJSON("acme", "1"))))
	if rr.Code != 401 {
		t.Fatalf("expected 401 for unauthenticated request, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/v1/policy-versions", strings.NewReader(validDraftJSON("acme", "1"))), "alice")
	s.createVersion(rr, req)
	if rr.Code != 201 {
		t.Fatalf("expected 201 for valid draft, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"id"`) {
		t.Fatalf("expected id in response, got %s", rr.Body.String())
	}
}

func TestGetVersion(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeRegistryRow{err: pgx.ErrNoRows}
			},
		},
	}
	rr := httptest.NewRecorder()
	req := withURLParams(httptest.NewRequest(http.MethodGet, "/v1/policy-versions/v1", nil), map[string]string{"id": "v1"})
	s.getVersion(rr, req)
	if rr.Code != 404 {
		t.Fatalf("expected 404 for missing version, got %d", rr.Code)
	}

	now := time.Now().UTC()
	s = &Server{
		DB: fakeRegistryDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeRegistryRow{values: []any{"v1", "acme", "1", "pending_approval", "alice", now, 1}}
			},
		},
	}
	rr = httptest.NewRecorder()
	req = withURLParams(httptest.NewRequest(http.MethodGet, "/v1/policy-versions/v1", nil), map[string]string{"id": "v1"})
	s.getVersion(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"approvalsRequired":2`) {
		t.Fatalf("expected approvalsRequired in body, got %s", rr.Body.String())
	}
}

func TestSubmitVersion(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
		},
	}
	rr := httptest.NewRecorder()
	req := authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/submit", nil), map[string]string{"id": "v1"}), "alice")
	s.submitVersion(rr, req)
	if rr.Code != 409 {
		t.Fatalf("expected 409 when not in draft status, got %d", rr.Code)
	}

	s = &Server{
		DB: fakeRegistryDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			},
		},
	}
	rr = httptest.NewRecorder()
	unauth := withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/submit", nil), map[string]string{"id": "v1"})
	s.submitVersion(rr, unauth)
	if rr.Code != 401 {
		t.Fatalf("expected 401 unauthenticated, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/submit", nil), map[string]string{"id": "v1"}), "alice")
	s.submitVersion(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestApproveVersionQuorumAndPublishGuard(t *testing.T) {
	approvalCount := 0
	publishExecCount := 0
	db := fakeRegistryDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "SELECT product_id, status, document") {
				return fakeRegistryRow{values: []any{"acme", "pending_approval", []byte("{}")}}
			}
			if strings.Contains(sql, "COUNT(*)") {
				return fakeRegistryRow{values: []any{approvalCount}}
			}
			return fakeRegistryRow{err: pgx.ErrNoRows}
		},
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT INTO policy_version_approvals") {
				approvalCount++
				return pgconn.NewCommandTag("INSERT 1"), nil
			}
			if strings.Contains(sql, "UPDATE policy_versions SET status") {
				publishExecCount++
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	s := &Server{DB: db, Cache: store.NewMemoryCache()}

	rr := httptest.NewRecorder()
	req := authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "bob")
	s.approveVersion(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"pending_approval"`) {
		t.Fatalf("expected pending status after first approval, got %d body=%s", rr.Code, rr.Body.String())
	}
	if publishExecCount != 0 {
		t.Fatalf("expected no publish after first approval, got %d", publishExecCount)
	}

	rr = httptest.NewRecorder()
	req = authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "carol")
	s.approveVersion(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"published"`) {
		t.Fatalf("expected published status after quorum, got %d body=%s", rr.Code, rr.Body.String())
	}
	if publishExecCount != 1 {
		t.Fatalf("expected exactly one publish update, got %d", publishExecCount)
	}

	// A third approve against the same already-published version finds the
	// SetNX guard key already set and must not publish a second time.
	rr = httptest.NewRecorder()
	req = authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "dave")
	s.approveVersion(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"published"`) {
		t.Fatalf("expected published status on guard loss, got %d body=%s", rr.Code, rr.Body.String())
	}
	if publishExecCount != 1 {
		t.Fatalf("expected publish update to still be exactly one after a guard loss, got %d", publishExecCount)
	}
}

func TestApproveVersionNotFoundAndWrongStatus(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeRegistryRow{err: pgx.ErrNoRows}
			},
		},
		Cache: store.NewMemoryCache(),
	}
	rr := httptest.NewRecorder()
	req := authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "bob")
	s.approveVersion(rr, req)
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	s = &Server{
		DB: fakeRegistryDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeRegistryRow{values: []any{"acme", "draft", []byte("{}")}}
			},
		},
		Cache: store.NewMemoryCache(),
	}
	rr = httptest.NewRecorder()
	req = authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "bob")
	s.approveVersion(rr, req)
	if rr.Code != 409 {
		t.Fatalf("expected 409 for non-pending version, got %d", rr.Code)
	}
}

func TestApproveVersionCacheError(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				if strings.Contains(sql, "SELECT product_id, status, document") {
					return fakeRegistryRow{values: []any{"acme", "pending_approval", []byte("{}")}}
				}
				return fakeRegistryRow{values: []any{requiredApprovals}}
			},
		},
		Cache: fakeCache{setNXFn: func(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
			return false, errors.New("cache unavailable")
		}},
	}
	rr := httptest.NewRecorder()
	req := authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/approve", nil), map[string]string{"id": "v1"}), "bob")
	s.approveVersion(rr, req)
	if rr.Code != 500 {
		t.Fatalf("expected 500 when the publish guard errors, got %d", rr.Code)
	}
}

func TestRejectVersion(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
		},
	}
	rr := httptest.NewRecorder()
	req := authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/reject", nil), map[string]string{"id": "v1"}), "bob")
	s.rejectVersion(rr, req)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	s = &Server{
		DB: fakeRegistryDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			},
		},
	}
	rr = httptest.NewRecorder()
	req = authedRequest(withURLParams(httptest.NewRequest(http.MethodPost, "/v1/policy-versions/v1/reject", nil), map[string]string{"id": "v1"}), "bob")
	s.rejectVersion(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestListPublishedInternal(t *testing.T) {
	s := &Server{
		DB: fakeRegistryDB{
			queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				return &fakeRegistryRows{rows: [][]any{
					{"acme", []byte(`{"productId":"acme"}`)},
					{"other", []byte(`{"productId":"other"}`)},
				}}, nil
			},
		},
	}
	rr := httptest.NewRecorder()
	s.listPublishedInternal(rr, httptest.NewRequest(http.MethodGet, "/v1/internal/policy-versions/published", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"acme"`) || !strings.Contains(rr.Body.String(), `"other"`) {
		t.Fatalf("expected both products in response, got %s", rr.Body.String())
	}
}

func TestAppendAuditNoopWithoutWriter(t *testing.T) {
	s := &Server{}
	// Must not panic when Audit is nil; the registry still works without a
	// configured audit trail (e.g. in a stripped-down test harness).
	s.appendAudit(context.Background(), "v1", "acme", "drafted", "alice", "")
}

func TestAppendAuditWritesRecord(t *testing.T) {
	var inserted bool
	s := &Server{
		Audit: &audit.Writer{
			DB: fakeRegistryDB{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					if strings.Contains(sql, "INSERT INTO audit_records") {
						inserted = true
					}
					return pgconn.NewCommandTag("INSERT 1"), nil
				},
			},
		},
	}
	s.appendAudit(context.Background(), "v1", "acme", "approved", "bob", "")
	if !inserted {
		t.Fatal("expected an audit record to be inserted")
	}
}
