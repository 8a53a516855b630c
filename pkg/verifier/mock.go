package verifier

import "context"

// Mock is a test/development Gateway that accepts any non-empty inputs and
// reports them valid, optionally returning canned public inputs.
type Mock struct {
	PublicInputs map[string]string
}

// NewMock returns a Mock gateway, optionally seeded with public inputs to
// surface on every successful call.
func NewMock(publicInputs map[string]string) *Mock {
	return &Mock{PublicInputs: publicInputs}
}

func (m *Mock) Verify(_ context.Context, proofBytes, verificationKeyBytes []byte, _ Challenge) (Result, error) {
	if len(proofBytes) == 0 || len(verificationKeyBytes) == 0 {
		return Result{Valid: false, Error: "mock verifier: proof and verification key must be non-empty"}, nil
	}
	return Result{Valid: true, PublicInputs: m.PublicInputs}, nil
}
