// Package validate implements the validation orchestrator (C7): the pipeline
// that sequences C1–C6 into a single authoritative, deterministic,
// replay-resistant decision.
package validate

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"chainborn/pkg/binding"
	"chainborn/pkg/cache"
	"chainborn/pkg/envelope"
	"chainborn/pkg/metrics"
	"chainborn/pkg/models"
	"chainborn/pkg/policy"
	"chainborn/pkg/verifier"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chainborn/pkg/validate")

// Result is the validation outcome. Once returned, it is never mutated.
type Result = cache.Result

// Strictness controls caller-supplied leniency; it is part of the cache key
// because a cached result under one strictness must never be served under
// another.
type Strictness string

const (
	Strict     Strictness = "strict"
	Permissive Strictness = "permissive"
)

// Context is the per-request validation context supplied by the caller.
type Context struct {
	ProductID   string
	BindingData map[string]string
	Strictness  Strictness
}

// Orchestrator wires C1 (policy), C3/C4 (binding), C5 (verifier), and C6
// (cache) into the pipeline described by validate's contract. It owns none
// of its collaborators' storage; it only sequences calls to them.
type Orchestrator struct {
	Policy    *policy.Store
	Cache     *cache.Cache
	Verifier  verifier.Gateway
	Collector *binding.Collector

	// Metrics is optional; a nil Registry disables instrumentation
	// entirely rather than requiring callers to construct a no-op one.
	Metrics *metrics.Registry

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (o *Orchestrator) incOutcome(outcome string) {
	if o.Metrics != nil {
		o.Metrics.IncOutcome(outcome)
	}
}

func (o *Orchestrator) incErrorKind(kind string) {
	if o.Metrics != nil {
		o.Metrics.IncErrorKind(kind)
	}
}

// New returns an Orchestrator with its clock defaulted to time.Now.
func New(policyStore *policy.Store, validationCache *cache.Cache, gateway verifier.Gateway, collector *binding.Collector) *Orchestrator {
	return &Orchestrator{Policy: policyStore, Cache: validationCache, Verifier: gateway, Collector: collector, Now: time.Now}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func invalidResult(now time.Time, errs ...string) Result {
	return Result{IsValid: false, Errors: errs, ValidatedAt: now}
}

// envelopeFingerprint returns a short hash identifying which envelope a log
// line is about, without ever logging proof or key bytes. A canonicalization
// failure (malformed base64 already rejected by the loader; this is
// defense in depth) just yields an empty fingerprint rather than failing
// the decision over a logging concern.
func envelopeFingerprint(env envelope.Envelope, productID string) string {
	canonical, err := env.MarshalCanonicalJSON()
	if err != nil {
		return ""
	}
	return models.EnvelopeHash(canonical, productID, env.Challenge.Nonce)[:16]
}

// Validate runs the full pipeline for a single proof envelope against ctx,
// in the exact order the contract specifies.
func (o *Orchestrator) Validate(ctx context.Context, env envelope.Envelope, vctx Context) Result {
	ctx, span := tracer.Start(ctx, "validate.Validate", trace.WithAttributes(
		attribute.String("chainborn.product_id", vctx.ProductID),
	))
	defer span.End()

	now := o.now()
	decisionFingerprint := envelopeFingerprint(env, vctx.ProductID)
	span.SetAttributes(attribute.String("chainborn.decision_fingerprint", decisionFingerprint))

	result := o.validate(ctx, env, vctx, now, decisionFingerprint)
	span.SetAttributes(attribute.Bool("chainborn.valid", result.IsValid))
	if !result.IsValid {
		span.SetStatus(codes.Error, strings.Join(result.Errors, "; "))
	}
	return result
}

// verify opens a child span around the Verifier Gateway (C5) call, the one
// call site every backend (mock, wasm, sidecar) passes through, so its
// latency shows up as its own span under the decision's trace regardless
// of which backend is configured.
func (o *Orchestrator) verify(ctx context.Context, env envelope.Envelope, productID string) (verifier.Result, error) {
	ctx, span := tracer.Start(ctx, "verifier.Verify", trace.WithAttributes(
		attribute.String("chainborn.product_id", productID),
	))
	defer span.End()

	result, err := o.Verifier.Verify(ctx, env.ProofBytes, env.VerificationKeyBytes, verifier.Challenge{
		Nonce:     env.Challenge.Nonce,
		IssuedAt:  env.Challenge.IssuedAt.Unix(),
		ExpiresAt: env.Challenge.ExpiresAt.Unix(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("chainborn.verify_valid", result.Valid))
	}
	return result, err
}

// validate is Validate's body, split out so the span-closing defer above
// wraps every return path through a single place.
func (o *Orchestrator) validate(ctx context.Context, env envelope.Envelope, vctx Context, now time.Time, decisionFingerprint string) Result {
	// Step 1: product-match guard.
	if env.ProductID != vctx.ProductID {
		log.Printf("validate: product=%s decision=%s outcome=product_mismatch", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("ProductMismatch")
		return invalidResult(now, fmt.Sprintf("product mismatch: proof is for %q, context requested %q", env.ProductID, vctx.ProductID))
	}

	bindingSignature := encodeBindingSignature(vctx.BindingData)
	cacheKey := cache.CacheKey(vctx.ProductID, env.Challenge.Nonce, string(vctx.Strictness), bindingSignature)

	// Step 3 is performed ahead of step 2's invariant re-check because the
	// cache probe needs the policy to validate the cached entry's bound.
	pol, policyFound, policyErr := o.Policy.Get(vctx.ProductID)

	// Step 2: cache probe, with TTL-invariant re-verification.
	if cached, hit := o.Cache.Get(cacheKey); hit {
		if policyErr != nil || !policyFound {
			log.Printf("validate: product=%s decision=%s outcome=cache_hit_policy_unavailable, treating as miss", vctx.ProductID, decisionFingerprint)
		} else {
			bound := cached.ValidatedAt.Add(pol.CacheTTL)
			if env.Challenge.ExpiresAt.Before(bound) {
				bound = env.Challenge.ExpiresAt
			}
			if cached.ExpiresAt.After(bound) {
				o.Cache.Invalidate(cacheKey)
				log.Printf("validate: product=%s decision=%s outcome=cache_invariant_violation", vctx.ProductID, decisionFingerprint)
				if o.Metrics != nil {
					o.Metrics.IncCacheEviction()
				}
				o.incOutcome("invalid")
				o.incErrorKind("CacheInvariantViolation")
				return invalidResult(now, "Cache invariant violation: cached entry outlived its permitted bound")
			}
			if o.Metrics != nil {
				o.Metrics.IncCacheHit()
			}
			o.incOutcome(outcomeLabel(cached.IsValid))
			return cached
		}
	}
	if o.Metrics != nil {
		o.Metrics.IncCacheMiss()
	}

	// Step 3: policy fetch (error surfaced upward; missing surfaces inline).
	if policyErr != nil {
		log.Printf("validate: product=%s decision=%s outcome=policy_parse_error", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("PolicyParseError")
		return invalidResult(now, fmt.Sprintf("policy error for %q: %v", vctx.ProductID, policyErr))
	}
	if !policyFound {
		log.Printf("validate: product=%s decision=%s outcome=policy_missing", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("PolicyMissing")
		return invalidResult(now, fmt.Sprintf("Policy not found for '%s'", vctx.ProductID))
	}

	// Step 4: binding data assembly.
	bindingData := vctx.BindingData
	if pol.BindingMode != policy.BindingNone && len(bindingData) == 0 && o.Collector != nil {
		bindingData = o.Collector.Collect()
	}

	// Step 5: nonce checks.
	if !env.Challenge.ExpiresAt.After(now) {
		log.Printf("validate: product=%s decision=%s outcome=nonce_expired", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("NonceExpired")
		return invalidResult(now, "Challenge has expired: "+env.Challenge.ExpiresAt.Format(time.RFC3339))
	}
	if env.Challenge.IssuedAt.After(now) {
		log.Printf("validate: product=%s decision=%s outcome=nonce_from_future", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("NonceFromFuture")
		return invalidResult(now, "Challenge issued in the future: "+env.Challenge.IssuedAt.Format(time.RFC3339))
	}

	// Step 6: cryptographic verification.
	verifyStart := time.Now()
	verifyResult, err := o.verify(ctx, env, vctx.ProductID)
	if o.Metrics != nil {
		o.Metrics.ObserveVerifyLatency(time.Since(verifyStart))
	}
	if err != nil {
		log.Printf("validate: product=%s decision=%s outcome=crypto_verify_transport_error", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("CryptoVerifyTransportError")
		return invalidResult(now, fmt.Sprintf("verifier unavailable: %v", err))
	}
	if !verifyResult.Valid {
		log.Printf("validate: product=%s decision=%s outcome=crypto_verify_failed", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("CryptoVerifyFailed")
		msg := verifyResult.Error
		if msg == "" {
			msg = "proof verification failed"
		}
		return invalidResult(now, msg)
	}

	// Step 7: binding check.
	bindingResult := binding.Validate(pol.BindingMode, bindingData, verifyResult.PublicInputs)
	if !bindingResult.Valid {
		log.Printf("validate: product=%s decision=%s outcome=binding_mismatch", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("BindingMismatch")
		return invalidResult(now, bindingResult.Errors...)
	}

	// Step 8: policy gating (stub mode when public outputs are absent).
	if gateErr := enforceGating(pol, verifyResult.PublicInputs); gateErr != "" {
		log.Printf("validate: product=%s decision=%s outcome=policy_gating_failed", vctx.ProductID, decisionFingerprint)
		o.incOutcome("invalid")
		o.incErrorKind("PolicyGatingFailed")
		return invalidResult(now, gateErr)
	}

	// Step 9: compute expires_at — the single authority over cache lifetime.
	expiresAt := now.Add(pol.CacheTTL)
	if env.Challenge.ExpiresAt.Before(expiresAt) {
		expiresAt = env.Challenge.ExpiresAt
	}

	result := Result{
		IsValid:     true,
		Errors:      nil,
		ValidatedAt: now,
		ExpiresAt:   expiresAt,
		CacheKey:    cacheKey,
	}

	// Step 10: cache write.
	ttl := expiresAt.Sub(now)
	if ttl > 0 {
		o.Cache.Set(cacheKey, result, ttl)
	}

	log.Printf("validate: product=%s decision=%s outcome=valid", vctx.ProductID, decisionFingerprint)
	o.incOutcome("valid")
	return result
}

func outcomeLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

// enforceGating requires present tier/features to satisfy the policy when
// the verifier surfaced them; absence is logged, never a failure (§4.7.8).
func enforceGating(pol policy.Policy, publicInputs map[string]string) string {
	if len(publicInputs) == 0 {
		if pol.RequiredTier != "" || len(pol.RequiredFeatures) > 0 {
			log.Printf("validate: policy gating pending, verifier did not surface tier/feature public outputs")
		}
		return ""
	}

	if pol.RequiredTier != "" {
		presentTier, ok := publicInputs["tier"]
		if !ok {
			log.Printf("validate: policy gating pending, verifier did not surface tier")
		} else if !policy.TierMeets(presentTier, pol.RequiredTier) {
			return fmt.Sprintf("insufficient tier: have %q, require %q", presentTier, pol.RequiredTier)
		}
	}

	if len(pol.RequiredFeatures) > 0 {
		raw, ok := publicInputs["features"]
		if !ok {
			log.Printf("validate: policy gating pending, verifier did not surface features")
			return ""
		}
		present := make(map[string]bool)
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				present[f] = true
			}
		}
		var missing []string
		for _, f := range pol.RequiredFeatures {
			if !present[f] {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return fmt.Sprintf("missing required features: %s", strings.Join(missing, ", "))
		}
	}

	return ""
}

// encodeBindingSignature deterministically encodes binding data as a
// sorted, base64-encoded "key=value|key=value" string so the cache key is
// order-independent and safe against separator injection.
func encodeBindingSignature(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+data[k])
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, "|")))
}
