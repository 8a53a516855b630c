// Package envelope defines the proof envelope format and loads it from the
// ordered set of sources an embedding application may supply it through.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chainborn/pkg/models"
)

// DefaultVersion is used when an envelope omits its version field.
const DefaultVersion = "1.0"

// Challenge binds a proof to a single validation request.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Envelope is the portable, serializable container produced by the ZK
// proving toolchain and consumed by the validation orchestrator.
type Envelope struct {
	ProofBytes           []byte
	VerificationKeyBytes []byte
	ProductID            string
	Challenge            Challenge
	Metadata             map[string]string
	Version              string
}

// wireEnvelope mirrors the JSON wire shape exactly (field order does not
// matter for decoding, nor for MarshalCanonicalJSON, which sorts keys).
type wireEnvelope struct {
	ProofBytes           string            `json:"proofBytes"`
	VerificationKeyBytes string            `json:"verificationKeyBytes"`
	ProductID            string            `json:"productId"`
	Challenge            wireChallenge     `json:"challenge"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Version              string            `json:"version,omitempty"`
}

type wireChallenge struct {
	Nonce     string `json:"nonce"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt"`
}

// wireWrapper is the optional "envelope wrapper" shape: {proof, version, metadata}.
type wireWrapper struct {
	Proof    *wireEnvelope     `json:"proof"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StructureError reports a missing or invalid envelope field.
type StructureError struct {
	Field string
	Err   error
}

func (e *StructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope structure error: field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("envelope structure error: field %q", e.Field)
}

func (e *StructureError) Unwrap() error { return e.Err }

func fieldErr(field string, err error) error {
	return &StructureError{Field: field, Err: err}
}

// ParseJSON decodes envelope JSON, accepting both the bare envelope shape
// and the wrapped {proof, version, metadata} shape, and runs structural
// validation per spec §4.2.
func ParseJSON(raw []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, fmt.Errorf("json parse error: %w", err)
	}

	var w wireEnvelope
	if proofField, ok := probe["proof"]; ok {
		var wrapper wireWrapper
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return Envelope{}, fmt.Errorf("json parse error: %w", err)
		}
		if wrapper.Proof == nil {
			var inner wireEnvelope
			if err := json.Unmarshal(proofField, &inner); err != nil {
				return Envelope{}, fmt.Errorf("json parse error: %w", err)
			}
			w = inner
		} else {
			w = *wrapper.Proof
		}
		if w.Version == "" {
			w.Version = wrapper.Version
		}
		if len(w.Metadata) == 0 {
			w.Metadata = wrapper.Metadata
		}
	} else {
		if err := json.Unmarshal(raw, &w); err != nil {
			return Envelope{}, fmt.Errorf("json parse error: %w", err)
		}
	}

	return fromWire(w)
}

func fromWire(w wireEnvelope) (Envelope, error) {
	if w.ProductID == "" {
		return Envelope{}, fieldErr("productId", errors.New("must be non-empty"))
	}
	if w.Challenge.Nonce == "" {
		return Envelope{}, fieldErr("challenge.nonce", errors.New("must be non-empty"))
	}
	proofBytes, err := base64.StdEncoding.DecodeString(w.ProofBytes)
	if err != nil {
		return Envelope{}, fieldErr("proofBytes", err)
	}
	vkBytes, err := base64.StdEncoding.DecodeString(w.VerificationKeyBytes)
	if err != nil {
		return Envelope{}, fieldErr("verificationKeyBytes", err)
	}
	if w.Challenge.IssuedAt == "" {
		return Envelope{}, fieldErr("challenge.issuedAt", errors.New("must be present"))
	}
	issuedAt, err := time.Parse(time.RFC3339, w.Challenge.IssuedAt)
	if err != nil {
		return Envelope{}, fieldErr("challenge.issuedAt", err)
	}
	if w.Challenge.ExpiresAt == "" {
		return Envelope{}, fieldErr("challenge.expiresAt", errors.New("must be present"))
	}
	expiresAt, err := time.Parse(time.RFC3339, w.Challenge.ExpiresAt)
	if err != nil {
		return Envelope{}, fieldErr("challenge.expiresAt", err)
	}
	if issuedAt.After(expiresAt) {
		return Envelope{}, fieldErr("challenge", errors.New("issuedAt must not be after expiresAt"))
	}
	version := w.Version
	if version == "" {
		version = DefaultVersion
	}
	return Envelope{
		ProofBytes:           proofBytes,
		VerificationKeyBytes: vkBytes,
		ProductID:            w.ProductID,
		Challenge:            Challenge{Nonce: w.Challenge.Nonce, IssuedAt: issuedAt, ExpiresAt: expiresAt},
		Metadata:             w.Metadata,
		Version:              version,
	}, nil
}

// MarshalCanonicalJSON re-encodes the envelope in the bare (unwrapped) wire
// shape with deterministic key ordering of the optional metadata map, so
// that serialize → deserialize → serialize is byte-for-byte stable (§8).
func (e Envelope) MarshalCanonicalJSON() ([]byte, error) {
	w := wireEnvelope{
		ProofBytes:           base64.StdEncoding.EncodeToString(e.ProofBytes),
		VerificationKeyBytes: base64.StdEncoding.EncodeToString(e.VerificationKeyBytes),
		ProductID:            e.ProductID,
		Challenge: wireChallenge{
			Nonce:     e.Challenge.Nonce,
			IssuedAt:  e.Challenge.IssuedAt.UTC().Format(time.RFC3339),
			ExpiresAt: e.Challenge.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Version: e.Version,
	}
	if len(e.Metadata) > 0 {
		w.Metadata = e.Metadata
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return models.CanonicalizeJSON(raw)
}
