// Command policysync pulls the published policy document set from
// cmd/policyregistry's internal endpoint and writes it into the local
// filesystem layout the offline Policy Store (C1) reads: one
// <product_id>.json file per product, inside a single target directory.
// It is meant to run on a schedule, separate from and upstream of the
// validator, so the offline path never talks to the network.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"chainborn/pkg/httpx"
	"chainborn/pkg/telemetry"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policysync", flag.ContinueOnError)
	registryURL := fs.String("registry", env("POLICYREGISTRY_URL", "http://localhost:8090"), "policyregistry base url")
	authHeader := fs.String("auth-header", env("REGISTRY_AUTH_HEADER", ""), "internal auth header name")
	authToken := fs.String("auth-token", env("REGISTRY_AUTH_TOKEN", ""), "internal auth token value")
	targetDir := fs.String("policy-dir", env("CHAINBORN_POLICY_DIR", "/etc/chainborn/policies"), "directory to write policy documents into")
	timeout := fs.Duration("timeout", 10*time.Second, "http request timeout")
	retries := fs.Int("retries", 2, "retries for transient transport errors and 5xx responses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *authHeader == "" || *authToken == "" {
		return errors.New("--auth-header/--auth-token (or REGISTRY_AUTH_HEADER/REGISTRY_AUTH_TOKEN) are required")
	}

	client := telemetry.InstrumentClient(&http.Client{Timeout: *timeout})
	docs, err := fetchPublished(context.Background(), client, *registryURL, *authHeader, *authToken, *retries)
	if err != nil {
		return err
	}
	return syncToDir(*targetDir, docs, out)
}

// fetchPublished pulls the published policy set through httpx.RequestJSON so
// a registry restart mid-poll (a 5xx, or a dropped connection) is retried,
// rather than failing the whole sync on one bad poll.
func fetchPublished(ctx context.Context, client *http.Client, baseURL, authHeader, authToken string, retries int) (map[string]json.RawMessage, error) {
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, baseURL+"/v1/internal/policy-versions/published", nil, map[string]string{authHeader: authToken}, retries, time.Second)
	if err != nil {
		return nil, fmt.Errorf("fetching published policy set: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("policyregistry returned status %d", status)
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("decoding published policy set: %w", err)
	}
	return docs, nil
}

// syncToDir writes each document atomically (write to a temp file, then
// rename) so a concurrently-reading Policy Store never observes a partial
// file, and removes stale files for products no longer published.
func syncToDir(dir string, docs map[string]json.RawMessage, out io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating policy directory: %w", err)
	}

	wanted := make(map[string]struct{}, len(docs))
	for productID, doc := range docs {
		fileName := productID + ".json"
		wanted[fileName] = struct{}{}
		dest := filepath.Join(dir, fileName)
		tmp := dest + ".tmp"
		if err := os.WriteFile(tmp, doc, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", fileName, err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return fmt.Errorf("installing %s: %w", fileName, err)
		}
		fmt.Fprintf(out, "synced %s\n", fileName)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing policy directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if _, ok := wanted[entry.Name()]; !ok {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return fmt.Errorf("removing stale %s: %w", entry.Name(), err)
			}
			fmt.Fprintf(out, "removed stale %s\n", entry.Name())
		}
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
