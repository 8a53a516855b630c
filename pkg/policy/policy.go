// Package policy loads and caches per-product license policies from a
// directory of declarative JSON documents.
package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// BindingMode enumerates the ways a proof may be tied to a runtime identity.
type BindingMode string

const (
	BindingNone          BindingMode = "none"
	BindingOrganization  BindingMode = "organization"
	BindingEnvironment   BindingMode = "environment"
	BindingAttestation   BindingMode = "attestation"
)

// RevocationModel enumerates how a product's license revocation is modeled.
// Not executed by the core at runtime; carried for recommended-TTL context.
type RevocationModel string

const (
	RevocationNone          RevocationModel = "none"
	RevocationOnChain       RevocationModel = "on_chain"
	RevocationPeriodicCheck RevocationModel = "periodic_check"
)

var validBindingModes = map[BindingMode]bool{
	BindingNone:         true,
	BindingOrganization: true,
	BindingEnvironment:  true,
	BindingAttestation:  true,
}

var validRevocationModels = map[RevocationModel]bool{
	RevocationNone:          true,
	RevocationOnChain:       true,
	RevocationPeriodicCheck: true,
}

const (
	minCacheTTL = 60 * time.Second
	maxCacheTTL = 7 * 24 * time.Hour
)

// TierOrder defines the known ordered set of license tiers, lowest first.
// A tier absent from this list cannot be compared and satisfies no
// requirement, not even a requirement naming that same tier.
var TierOrder = []string{"free", "standard", "pro", "enterprise"}

func tierRank(tier string) (int, bool) {
	for i, t := range TierOrder {
		if t == tier {
			return i, true
		}
	}
	return 0, false
}

// TierMeets reports whether presentTier satisfies requiredTier under the
// known tier ordering. Unknown tiers on either side never satisfy the
// requirement (fail closed).
func TierMeets(presentTier, requiredTier string) bool {
	if requiredTier == "" {
		return true
	}
	presentRank, ok := tierRank(presentTier)
	if !ok {
		return false
	}
	requiredRank, ok := tierRank(requiredTier)
	if !ok {
		return false
	}
	return presentRank >= requiredRank
}

// Policy is a product's parsed, validated license policy document.
type Policy struct {
	ProductID        string
	SchemaVersion    string
	RequiredTier     string
	RequiredFeatures []string
	BindingMode      BindingMode
	CacheTTL         time.Duration
	RevocationModel  RevocationModel
	GracePeriod      time.Duration
	CustomProperties map[string]any
}

// ParseError reports a malformed policy document.
type ParseError struct {
	ProductID string
	Field     string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("policy %q: field %q: %v", e.ProductID, e.Field, e.Err)
	}
	return fmt.Sprintf("policy %q: %v", e.ProductID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// wireDocument mirrors the JSON wire shape of a policy document (§6).
type wireDocument struct {
	ProductID        string         `json:"productId"`
	Version          string         `json:"version"`
	RequiredTier     string         `json:"requiredTier,omitempty"`
	RequiredFeatures []string       `json:"requiredFeatures,omitempty"`
	BindingMode      string         `json:"bindingMode"`
	CacheTTL         *int64         `json:"cacheTtl"`
	RevocationModel  string         `json:"revocationModel"`
	GracePeriod      *int64         `json:"gracePeriod,omitempty"`
	CustomProperties map[string]any `json:"customProperties,omitempty"`
}

// ParseDocument parses and validates a single policy document. expectedID is
// the filename stem the document was loaded under; the document's own
// productId must match it exactly.
func ParseDocument(raw []byte, expectedID string) (Policy, error) {
	var w wireDocument
	if err := json.Unmarshal(raw, &w); err != nil {
		return Policy{}, &ParseError{ProductID: expectedID, Err: err}
	}

	if w.ProductID == "" {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "productId", Err: fmt.Errorf("must be non-empty")}
	}
	if w.ProductID != expectedID {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "productId", Err: fmt.Errorf("document productId %q does not match filename stem %q", w.ProductID, expectedID)}
	}
	if w.Version == "" {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "version", Err: fmt.Errorf("must be non-empty")}
	}
	bindingMode := BindingMode(w.BindingMode)
	if !validBindingModes[bindingMode] {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "bindingMode", Err: fmt.Errorf("unknown binding mode %q", w.BindingMode)}
	}
	if w.CacheTTL == nil {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "cacheTtl", Err: fmt.Errorf("must be present")}
	}
	cacheTTL := time.Duration(*w.CacheTTL) * time.Second
	if cacheTTL < minCacheTTL || cacheTTL > maxCacheTTL {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "cacheTtl", Err: fmt.Errorf("must be within [%d, %d] seconds, got %d", int(minCacheTTL.Seconds()), int(maxCacheTTL.Seconds()), *w.CacheTTL)}
	}
	revocationModel := RevocationModel(w.RevocationModel)
	if !validRevocationModels[revocationModel] {
		return Policy{}, &ParseError{ProductID: expectedID, Field: "revocationModel", Err: fmt.Errorf("unknown revocation model %q", w.RevocationModel)}
	}
	var gracePeriod time.Duration
	if w.GracePeriod != nil {
		if *w.GracePeriod < 0 {
			return Policy{}, &ParseError{ProductID: expectedID, Field: "gracePeriod", Err: fmt.Errorf("must be non-negative")}
		}
		gracePeriod = time.Duration(*w.GracePeriod) * time.Second
	}

	seen := make(map[string]bool, len(w.RequiredFeatures))
	features := make([]string, 0, len(w.RequiredFeatures))
	for _, f := range w.RequiredFeatures {
		if seen[f] {
			return Policy{}, &ParseError{ProductID: expectedID, Field: "requiredFeatures", Err: fmt.Errorf("duplicate feature %q", f)}
		}
		seen[f] = true
		features = append(features, f)
	}

	return Policy{
		ProductID:        w.ProductID,
		SchemaVersion:    w.Version,
		RequiredTier:     w.RequiredTier,
		RequiredFeatures: features,
		BindingMode:      bindingMode,
		CacheTTL:         cacheTTL,
		RevocationModel:  revocationModel,
		GracePeriod:      gracePeriod,
		CustomProperties: w.CustomProperties,
	}, nil
}
