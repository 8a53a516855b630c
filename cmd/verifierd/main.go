// Command verifierd is the out-of-process verifier sidecar. It listens on a
// Unix domain socket and answers one verify request per connection with the
// newline-delimited JSON protocol pkg/verifier.SidecarClient speaks. Running
// the cryptographic verifier out-of-process lets it be restarted, sandboxed,
// or swapped for a hardware-backed implementation without touching the
// offline validator binary.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chainborn/pkg/verifier"
)

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

var (
	logFatalf  = log.Fatalf
	listenUnix = net.Listen
)

func main() {
	if err := runVerifierd(context.Background()); err != nil {
		logFatalf("verifierd: %v", err)
	}
}

func runVerifierd(ctx context.Context) error {
	socketPath := env("VERIFIERD_SOCKET_PATH", "/run/chainborn/verifierd.sock")
	backend := env("VERIFIERD_BACKEND", "mock")

	gateway, closeGateway, err := buildGateway(ctx, backend)
	if err != nil {
		return err
	}
	if closeGateway != nil {
		defer closeGateway()
	}

	if err := os.RemoveAll(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := listenUnix("unix", socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Printf("verifierd: chmod socket: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		ln.Close()
	}()

	log.Printf("verifierd listening on %s using backend %q", socketPath, backend)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if sigCtx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConn(sigCtx, gateway, conn)
	}
}

func buildGateway(ctx context.Context, backend string) (verifier.Gateway, func(), error) {
	switch backend {
	case "mock":
		inputs := map[string]string{}
		if raw := env("VERIFIERD_MOCK_PUBLIC_INPUTS", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
				return nil, nil, err
			}
		}
		return verifier.NewMock(inputs), nil, nil
	case "wasm":
		wasmPath := env("VERIFIERD_WASM_PATH", "")
		if wasmPath == "" {
			return nil, nil, errors.New("VERIFIERD_WASM_PATH is required when VERIFIERD_BACKEND=wasm")
		}
		binary, err := os.ReadFile(wasmPath)
		if err != nil {
			return nil, nil, err
		}
		gw, err := verifier.NewWasmGateway(ctx, binary)
		if err != nil {
			return nil, nil, err
		}
		return gw, func() { _ = gw.Close(context.Background()) }, nil
	default:
		return nil, nil, errors.New("unknown VERIFIERD_BACKEND: " + backend)
	}
}

func handleConn(ctx context.Context, gateway verifier.Gateway, conn net.Conn) {
	defer conn.Close()

	readTimeout := envDurationMS("VERIFIERD_REQUEST_TIMEOUT_MS", 5000)
	deadline := time.Now().Add(readTimeout)
	_ = conn.SetDeadline(deadline)

	var req sidecarRequest
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		writeResponse(conn, sidecarResponse{Valid: false, Error: "malformed request: " + err.Error()})
		return
	}

	proofBytes, err := base64.StdEncoding.DecodeString(req.ProofBytes)
	if err != nil {
		writeResponse(conn, sidecarResponse{Valid: false, Error: "invalid proofBytes encoding"})
		return
	}
	vkBytes, err := base64.StdEncoding.DecodeString(req.VerificationKeyBytes)
	if err != nil {
		writeResponse(conn, sidecarResponse{Valid: false, Error: "invalid verificationKeyBytes encoding"})
		return
	}

	verifyCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	result, err := gateway.Verify(verifyCtx, proofBytes, vkBytes, verifier.Challenge{
		Nonce:     req.Nonce,
		IssuedAt:  req.IssuedAt,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeResponse(conn, sidecarResponse{Valid: false, Error: err.Error()})
		return
	}
	writeResponse(conn, sidecarResponse{Valid: result.Valid, Error: result.Error, PublicInputs: result.PublicInputs})
}

func writeResponse(conn net.Conn, resp sidecarResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Printf("verifierd: write response: %v", err)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDurationMS(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Millisecond * time.Duration(n)
		}
	}
	return time.Millisecond * time.Duration(def)
}
