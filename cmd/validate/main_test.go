package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chainborn/pkg/metrics"
	"chainborn/pkg/validate"
	"chainborn/pkg/verifier"
)

func validEnvelopeJSON(t *testing.T, productID, nonce string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"proofBytes":           base64.StdEncoding.EncodeToString([]byte("proof")),
		"verificationKeyBytes": base64.StdEncoding.EncodeToString([]byte("vk")),
		"productId":            productID,
		"challenge": map[string]string{
			"nonce":     nonce,
			"issuedAt":  time.Now().Add(-time.Minute).Format(time.RFC3339),
			"expiresAt": time.Now().Add(time.Hour).Format(time.RFC3339),
		},
	})
	if err != nil {
		t.Fatalf("marshaling test envelope: %v", err)
	}
	return string(raw)
}

func TestRunRequiresProductFlag(t *testing.T) {
	if err := run([]string{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error when --product is missing")
	}
}

func TestRunNoProofAvailable(t *testing.T) {
	t.Setenv("LICENSE_PROOF", "")
	t.Setenv("LICENSE_PROOF_FILE", "")

	origExit := osExit
	exitCode := -1
	osExit = func(code int) { exitCode = code }
	defer func() { osExit = origExit }()

	err := run([]string{"--product", "acme", "--policy-dir", t.TempDir(), "--cache-dir", t.TempDir(), "--sidecar-socket", "/nonexistent"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected an error when no proof envelope is available")
	}
	if exitCode != -1 {
		t.Fatalf("expected osExit not to be called when envelope loading fails, got code %d", exitCode)
	}
}

// TestRunInvalidDecisionExitsOne drives a full run() pass against a policy
// directory with no matching document, producing a deterministic invalid
// decision, and checks that the plain-summary output and the exit code both
// reflect that without the test binary actually terminating.
func TestRunInvalidDecisionExitsOne(t *testing.T) {
	t.Setenv("LICENSE_PROOF", base64.StdEncoding.EncodeToString([]byte(validEnvelopeJSON(t, "acme", "n1"))))
	t.Setenv("LICENSE_PROOF_FILE", "")

	origExit := osExit
	var exitCode int
	osExit = func(code int) { exitCode = code }
	defer func() { osExit = origExit }()

	var out bytes.Buffer
	err := run([]string{
		"--product", "acme",
		"--policy-dir", t.TempDir(),
		"--cache-dir", t.TempDir(),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exitCode != 1 {
		t.Fatalf("expected osExit(1) for an invalid decision, got %d", exitCode)
	}
	if !bytes.Contains(out.Bytes(), []byte("INVALID")) {
		t.Fatalf("expected INVALID in summary output, got %s", out.String())
	}
}

// TestRunValidDecisionJSONOutput drives run() against a policy document that
// matches the proof envelope's product so the mock verifier backend and the
// orchestrator's happy path both get exercised end to end.
func TestRunValidDecisionJSONOutput(t *testing.T) {
	policyDir := t.TempDir()
	policyDoc := map[string]any{
		"productId":       "acme",
		"version":         "1",
		"bindingMode":     "none",
		"cacheTtl":        3600,
		"revocationModel": "none",
	}
	raw, err := json.Marshal(policyDoc)
	if err != nil {
		t.Fatalf("marshaling policy doc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(policyDir, "acme.json"), raw, 0o644); err != nil {
		t.Fatalf("writing policy doc: %v", err)
	}

	t.Setenv("LICENSE_PROOF", base64.StdEncoding.EncodeToString([]byte(validEnvelopeJSON(t, "acme", "n2"))))
	t.Setenv("LICENSE_PROOF_FILE", "")

	origExit := osExit
	exitCalled := false
	osExit = func(code int) { exitCalled = true }
	defer func() { osExit = origExit }()

	var out bytes.Buffer
	err = run([]string{
		"--product", "acme",
		"--policy-dir", policyDir,
		"--cache-dir", t.TempDir(),
		"--json",
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded decisionOutput
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding JSON output: %v, raw=%s", err, out.String())
	}
	if !decoded.Valid {
		t.Fatalf("expected a valid decision, got %+v (raw=%s)", decoded, out.String())
	}
	if exitCalled {
		t.Fatal("osExit should not be called for a valid decision")
	}
}

func TestBuildGateway(t *testing.T) {
	if _, ok := buildGateway("").(*verifier.Mock); !ok {
		t.Fatal("expected the mock backend when no sidecar socket is configured")
	}
	if _, ok := buildGateway("/run/chainborn/verifierd.sock").(*verifier.SidecarClient); !ok {
		t.Fatal("expected a sidecar client when a socket path is configured")
	}
}

func TestWriteJSONAndWriteSummary(t *testing.T) {
	validResult := validate.Result{IsValid: true, ValidatedAt: time.Unix(0, 0).UTC(), ExpiresAt: time.Unix(3600, 0).UTC(), CacheKey: "k1"}

	var jsonOut bytes.Buffer
	if err := writeJSON(&jsonOut, validResult); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded decisionOutput
	if err := json.Unmarshal(jsonOut.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !decoded.Valid || decoded.CacheKey != "k1" {
		t.Fatalf("unexpected decoded output: %+v", decoded)
	}

	var summaryOut bytes.Buffer
	writeSummary(&summaryOut, validResult)
	if !bytes.Contains(summaryOut.Bytes(), []byte("VALID")) {
		t.Fatalf("expected VALID in summary, got %s", summaryOut.String())
	}

	invalidResult := validate.Result{IsValid: false, Errors: []string{"policy not found"}}
	summaryOut.Reset()
	writeSummary(&summaryOut, invalidResult)
	if !bytes.Contains(summaryOut.Bytes(), []byte("policy not found")) {
		t.Fatalf("expected the error to be listed, got %s", summaryOut.String())
	}
}

func TestLogMetrics(t *testing.T) {
	// logMetrics only logs; this just confirms it does not panic on a
	// zero-value snapshot and on the snapshot of a freshly built registry.
	logMetrics(metrics.Snapshot{})
	logMetrics(metrics.NewRegistry().Snapshot())
}

func TestEnvHelper(t *testing.T) {
	t.Setenv("VALIDATE_TEST_ENV", "set")
	if got := env("VALIDATE_TEST_ENV", "default"); got != "set" {
		t.Fatalf("unexpected env value: %s", got)
	}
	if got := env("VALIDATE_TEST_ENV_MISSING", "default"); got != "default" {
		t.Fatalf("unexpected env fallback: %s", got)
	}
}
