// Command policyregistry is the online authoring and approval service for
// license policies. It owns a Postgres-backed draft→pending_approval→
// published state machine for policy versions; cmd/policysync pulls
// published versions out of it and onto the local filesystem in the shape
// the offline Policy Store (C1) expects.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"chainborn/pkg/audit"
	"chainborn/pkg/auth"
	"chainborn/pkg/hardening"
	"chainborn/pkg/httpx"
	"chainborn/pkg/metrics"
	"chainborn/pkg/policy"
	"chainborn/pkg/ratelimit"
	"chainborn/pkg/store"
	"chainborn/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type registryDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Server struct {
	DB                  registryDB
	Audit               *audit.Writer
	Metrics             *metrics.Registry
	Cache               store.Cache
	AuthMode            string
	AuthSecret          string
	InternalAuthHeader  string
	InternalAuthToken   string
	MaxRequestBodyBytes int64

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int
}

// versionStatus mirrors the draft/approval/publish state machine.
type versionStatus string

const (
	statusDraft            versionStatus = "draft"
	statusPendingApproval  versionStatus = "pending_approval"
	statusPublished        versionStatus = "published"
	statusRejected         versionStatus = "rejected"
)

const requiredApprovals = 2

// policyVersionDraft is the authoring-time shape of a policy version: the
// fields of policy.Policy plus registry bookkeeping.
type policyVersionDraft struct {
	ProductID        string   `json:"productId"`
	Version          string   `json:"version"`
	RequiredTier     string   `json:"requiredTier,omitempty"`
	RequiredFeatures []string `json:"requiredFeatures,omitempty"`
	BindingMode      string   `json:"bindingMode"`
	CacheTTL         int64    `json:"cacheTtl"`
	RevocationModel  string   `json:"revocationModel"`
	GracePeriod      int64    `json:"gracePeriod,omitempty"`
}

type versionSummary struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"productId"`
	Version           string    `json:"version"`
	Status            string    `json:"status"`
	ApprovalsRequired int       `json:"approvalsRequired"`
	ApprovalsReceived int       `json:"approvalsReceived"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFnR       func(context.Context) (registryDB, func(), error)
	listenFnR       func(*http.Server) error
)

func main() {
	if err := runRegistry(initTelemetryFn, openDBFnR, listenFnR); err != nil {
		logFatalf("policyregistry: %v", err)
	}
}

func runRegistry(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (registryDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (registryDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "policyregistry")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	var cache store.Cache
	redisClient, err := store.NewRedis(ctx)
	if err != nil {
		log.Printf("policyregistry: redis unavailable, falling back to in-memory rate limiting and publish guard: %v", err)
		limiter = ratelimit.NewInMemory(rateLimitWindow)
		cache = store.NewMemoryCache()
	} else {
		defer redisClient.Close()
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		cache = store.NewCache(ctx, redisClient)
	}

	s := &Server{
		DB:                  db,
		Audit:               &audit.Writer{DB: db, Redact: env("AUDIT_REDACT", "true") == "true", HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Metrics:             metrics.NewRegistry(),
		Cache:               cache,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		InternalAuthHeader:  env("REGISTRY_AUTH_HEADER", ""),
		InternalAuthToken:   env("REGISTRY_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimiter:         limiter,
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 60),
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policyregistry",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "REGISTRY_AUTH_HEADER", Value: s.InternalAuthHeader},
			{Name: "REGISTRY_AUTH_TOKEN", Value: s.InternalAuthToken},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("policyregistry"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "policyregistry"})
	})
	r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler().ServeHTTP)

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Post("/v1/policy-versions", s.withRoles(s.createVersion, "licenseauthor", "licenseadmin"))
	authRouter.Get("/v1/policy-versions/{id}", s.withRoles(s.getVersion, "licenseauthor", "licenseadmin", "licensereviewer"))
	authRouter.Post("/v1/policy-versions/{id}/submit", s.withRoles(s.submitVersion, "licenseauthor", "licenseadmin"))
	authRouter.Post("/v1/policy-versions/{id}/approve", s.withRoles(s.approveVersion, "licensereviewer", "licenseadmin"))
	authRouter.Post("/v1/policy-versions/{id}/reject", s.withRoles(s.rejectVersion, "licensereviewer", "licenseadmin"))
	r.Mount("/", authRouter)

	r.With(s.internalTokenOnly).Get("/v1/internal/policy-versions/published", s.listPublishedInternal)

	addr := env("ADDR", ":8090")
	log.Printf("policyregistry service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var draft policyVersionDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if draft.ProductID == "" || draft.Version == "" {
		httpx.Error(w, 400, "productId and version are required")
		return
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		internalServerError(w, "marshal draft", err)
		return
	}
	if _, err := policy.ParseDocument(raw, draft.ProductID); err != nil {
		httpx.Error(w, 422, "invalid policy document: "+err.Error())
		return
	}

	subject, err := s.requireSubject(r)
	if err != nil {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	id := uuid.New().String()
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO policy_versions (id, product_id, version, status, document, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, id, draft.ProductID, draft.Version, statusDraft, raw, subject, time.Now().UTC())
	if err != nil {
		internalServerError(w, "create policy version", err)
		return
	}
	s.appendAudit(r.Context(), id, draft.ProductID, "drafted", subject, "")
	httpx.WriteJSON(w, 201, map[string]string{"id": id})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sum versionSummary
	var approvalsReceived int
	err := s.DB.QueryRow(r.Context(), `
		SELECT id, product_id, version, status, created_by, created_at,
		       (SELECT COUNT(*) FROM policy_version_approvals WHERE policy_version_id=$1)
		FROM policy_versions WHERE id=$1
	`, id).Scan(&sum.ID, &sum.ProductID, &sum.Version, &sum.Status, &sum.CreatedBy, &sum.CreatedAt, &approvalsReceived)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		internalServerError(w, "get policy version", err)
		return
	}
	sum.ApprovalsRequired = requiredApprovals
	sum.ApprovalsReceived = approvalsReceived
	httpx.WriteJSON(w, 200, sum)
}

func (s *Server) submitVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subject, err := s.requireSubject(r)
	if err != nil {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	tag, err := s.DB.Exec(r.Context(), `
		UPDATE policy_versions SET status=$1 WHERE id=$2 AND status=$3
	`, statusPendingApproval, id, statusDraft)
	if err != nil {
		internalServerError(w, "submit policy version", err)
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.Error(w, 409, "version is not in draft status")
		return
	}
	s.appendAudit(r.Context(), id, "", "submitted", subject, "")
	httpx.WriteJSON(w, 200, map[string]string{"status": string(statusPendingApproval)})
}

func (s *Server) approveVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subject, err := s.requireSubject(r)
	if err != nil {
		httpx.Error(w, 401, "unauthenticated")
		return
	}

	var productID, status string
	var document []byte
	err = s.DB.QueryRow(r.Context(), `SELECT product_id, status, document FROM policy_versions WHERE id=$1`, id).Scan(&productID, &status, &document)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		internalServerError(w, "load policy version", err)
		return
	}
	if versionStatus(status) != statusPendingApproval {
		httpx.Error(w, 409, "version is not pending approval")
		return
	}

	if _, err := s.DB.Exec(r.Context(), `
		INSERT INTO policy_version_approvals (policy_version_id, approver, created_at)
		VALUES ($1,$2,$3) ON CONFLICT DO NOTHING
	`, id, subject, time.Now().UTC()); err != nil {
		internalServerError(w, "record approval", err)
		return
	}

	var approvals int
	if err := s.DB.QueryRow(r.Context(), `SELECT COUNT(*) FROM policy_version_approvals WHERE policy_version_id=$1`, id).Scan(&approvals); err != nil {
		internalServerError(w, "count approvals", err)
		return
	}
	s.appendAudit(r.Context(), id, productID, "approved", subject, "")

	if approvals < requiredApprovals {
		httpx.WriteJSON(w, 200, map[string]any{"status": string(statusPendingApproval), "approvalsReceived": approvals, "approvalsRequired": requiredApprovals})
		return
	}

	// Quorum can be crossed by two concurrent approve requests at once; only
	// the one that wins this guard performs the publish and its audit
	// record, so "published" is never written twice for the same version.
	won, err := s.Cache.SetNX(r.Context(), "published:"+id, subject, time.Minute)
	if err != nil {
		internalServerError(w, "publish guard", err)
		return
	}
	if !won {
		httpx.WriteJSON(w, 200, map[string]string{"status": string(statusPublished)})
		return
	}

	if _, err := s.DB.Exec(r.Context(), `UPDATE policy_versions SET status=$1 WHERE id=$2`, statusPublished, id); err != nil {
		internalServerError(w, "publish policy version", err)
		return
	}
	s.appendAudit(r.Context(), id, productID, "published", subject, "")
	httpx.WriteJSON(w, 200, map[string]string{"status": string(statusPublished)})
}

func (s *Server) rejectVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subject, err := s.requireSubject(r)
	if err != nil {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	tag, err := s.DB.Exec(r.Context(), `
		UPDATE policy_versions SET status=$1 WHERE id=$2 AND status=$3
	`, statusRejected, id, statusPendingApproval)
	if err != nil {
		internalServerError(w, "reject policy version", err)
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.Error(w, 409, "version is not pending approval")
		return
	}
	s.appendAudit(r.Context(), id, "", "rejected", subject, "")
	httpx.WriteJSON(w, 200, map[string]string{"status": string(statusRejected)})
}

// listPublishedInternal is consumed by cmd/policysync to pull the published
// document set onto the local filesystem.
func (s *Server) listPublishedInternal(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.Query(r.Context(), `SELECT product_id, document FROM policy_versions WHERE status=$1`, statusPublished)
	if err != nil {
		internalServerError(w, "list published versions", err)
		return
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var productID string
		var document []byte
		if err := rows.Scan(&productID, &document); err != nil {
			internalServerError(w, "scan published version", err)
			return
		}
		out[productID] = json.RawMessage(document)
	}
	httpx.WriteJSON(w, 200, out)
}

func (s *Server) appendAudit(ctx context.Context, versionID, productID, action, subject, detail string) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		DecisionID:      uuid.New().String(),
		ProductID:       productID,
		PolicyVersionID: versionID,
		Action:          action,
		ActorIDHash:     subject,
		Detail:          detail,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("policyregistry: audit append failed: %v", err)
	}
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	if err != nil {
		log.Printf("policyregistry %s: %v", op, err)
	}
	httpx.Error(w, 500, "internal error")
}

func (s *Server) requireSubject(r *http.Request) (string, error) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || strings.TrimSpace(principal.Subject) == "" {
		return "", errors.New("unauthenticated")
	}
	return principal.Subject, nil
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) internalTokenOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.InternalAuthHeader == "" || s.InternalAuthToken == "" {
			httpx.Error(w, 503, "internal auth not configured")
			return
		}
		token := r.Header.Get(s.InternalAuthHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.InternalAuthToken)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil || s.RateLimitPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := rateLimitKey(r)
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		w.Header().Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds()), 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func rateLimitKey(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
		return "subject:" + principal.Subject
	}
	return "addr:" + r.RemoteAddr
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
