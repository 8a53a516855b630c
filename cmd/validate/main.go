// Command validate is the offline CLI entry point for the license validator.
// It loads a proof envelope from the environment or filesystem, runs it
// through the validation orchestrator (C7), and prints the decision. It is
// meant to be invoked by the product it licenses, either directly or via a
// thin SDK wrapper. It exits 1 when the decision is invalid and 2 when no
// decision could be made (for example, no proof envelope could be loaded).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"chainborn/pkg/binding"
	"chainborn/pkg/cache"
	"chainborn/pkg/envelope"
	"chainborn/pkg/metrics"
	"chainborn/pkg/policy"
	"chainborn/pkg/validate"
	"chainborn/pkg/verifier"
)

// osExit is overridden in tests so the invalid-decision exit path can be
// exercised without killing the test binary.
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(2)
	}
}

type decisionOutput struct {
	Valid       bool      `json:"valid"`
	Errors      []string  `json:"errors,omitempty"`
	ValidatedAt time.Time `json:"validatedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	CacheKey    string    `json:"cacheKey,omitempty"`
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	productID := fs.String("product", env("CHAINBORN_PRODUCT_ID", ""), "product id to validate against")
	policyDir := fs.String("policy-dir", env("CHAINBORN_POLICY_DIR", "/etc/chainborn/policies"), "directory of policy documents")
	cacheDir := fs.String("cache-dir", env("CHAINBORN_CACHE_DIR", "/var/lib/chainborn/cache"), "validation cache directory")
	strictness := fs.String("strictness", env("CHAINBORN_STRICTNESS", "strict"), "strict or permissive")
	sidecarSocket := fs.String("sidecar-socket", env("CHAINBORN_VERIFIER_SOCKET", ""), "path to the verifierd unix socket; empty uses an in-process mock")
	jsonOutput := fs.Bool("json", env("CHAINBORN_JSON_OUTPUT", "") == "true", "emit the decision as JSON instead of a plain summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *productID == "" {
		return errors.New("--product (or CHAINBORN_PRODUCT_ID) is required")
	}

	proofEnvelope, err := envelope.NewLoader().Load()
	if err != nil {
		return fmt.Errorf("loading proof envelope: %w", err)
	}

	collector := binding.NewCollector()
	orch := validate.New(
		policy.NewStore(*policyDir),
		cache.Open(*cacheDir),
		buildGateway(*sidecarSocket),
		collector,
	)
	orch.Metrics = metrics.NewRegistry()

	decision := orch.Validate(context.Background(), proofEnvelope, validate.Context{
		ProductID:   *productID,
		BindingData: collector.Collect(),
		Strictness:  validate.Strictness(*strictness),
	})
	logMetrics(orch.Metrics.Snapshot())

	if *jsonOutput {
		if err := writeJSON(out, decision); err != nil {
			return err
		}
	} else {
		writeSummary(out, decision)
	}
	if !decision.IsValid {
		osExit(1)
	}
	return nil
}

// logMetrics reports the single decision's counters at debug volume. A
// long-running embedder that drives many calls through one *validate.Orchestrator
// gets the same registry built up across calls and can scrape its Snapshot
// directly instead of parsing this line.
func logMetrics(snap metrics.Snapshot) {
	log.Printf("validate: metrics outcomes=%v error_kinds=%v cache_hits=%d cache_misses=%d verify_latency_ms=%.1f",
		snap.Outcomes, snap.ErrorKinds, snap.CacheHits, snap.CacheMisses, snap.VerifyLatency.AvgMS)
}

func buildGateway(sidecarSocket string) verifier.Gateway {
	if sidecarSocket != "" {
		return verifier.NewSidecarClient(sidecarSocket)
	}
	return verifier.NewMock(nil)
}

func writeJSON(out io.Writer, result validate.Result) error {
	enc := json.NewEncoder(out)
	return enc.Encode(decisionOutput{
		Valid:       result.IsValid,
		Errors:      result.Errors,
		ValidatedAt: result.ValidatedAt,
		ExpiresAt:   result.ExpiresAt,
		CacheKey:    result.CacheKey,
	})
}

func writeSummary(out io.Writer, result validate.Result) {
	if result.IsValid {
		fmt.Fprintf(out, "VALID (validated_at=%s expires_at=%s)\n", result.ValidatedAt.Format(time.RFC3339), result.ExpiresAt.Format(time.RFC3339))
		return
	}
	fmt.Fprintln(out, "INVALID")
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
