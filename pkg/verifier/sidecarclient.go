package verifier

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// sidecarRequest/sidecarResponse mirror the newline-delimited JSON protocol
// cmd/verifierd speaks over its Unix domain socket.
type sidecarRequest struct {
	ProofBytes           string `json:"proofBytes"`
	VerificationKeyBytes string `json:"verificationKeyBytes"`
	Nonce                string `json:"nonce"`
	IssuedAt             int64  `json:"issuedAt"`
	ExpiresAt            int64  `json:"expiresAt"`
}

type sidecarResponse struct {
	Valid        bool              `json:"valid"`
	Error        string            `json:"error,omitempty"`
	PublicInputs map[string]string `json:"publicInputs,omitempty"`
}

// SidecarClient is a Gateway backed by an out-of-process verifier listening
// on a local Unix domain socket, one request per connection.
type SidecarClient struct {
	SocketPath string
	DialTimeout time.Duration
}

// NewSidecarClient returns a Gateway that dials socketPath for each call.
func NewSidecarClient(socketPath string) *SidecarClient {
	return &SidecarClient{SocketPath: socketPath, DialTimeout: 5 * time.Second}
}

func (c *SidecarClient) Verify(ctx context.Context, proofBytes, verificationKeyBytes []byte, challenge Challenge) (Result, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("verifier sidecar unavailable: %v", err)}, nil
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := sidecarRequest{
		ProofBytes:           base64.StdEncoding.EncodeToString(proofBytes),
		VerificationKeyBytes: base64.StdEncoding.EncodeToString(verificationKeyBytes),
		Nonce:                challenge.Nonce,
		IssuedAt:             challenge.IssuedAt,
		ExpiresAt:            challenge.ExpiresAt,
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("verifier sidecar: write failed: %v", err)}, nil
	}

	var resp sidecarResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return Result{Valid: false, Error: fmt.Sprintf("verifier sidecar: read failed: %v", err)}, nil
	}
	return Result{Valid: resp.Valid, Error: resp.Error, PublicInputs: resp.PublicInputs}, nil
}
