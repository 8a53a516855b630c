package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry accumulates counters and latency histograms for the validation
// pipeline and the policy-registry admin API.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	errorKind     map[string]int64
	cacheHit      int64
	cacheMiss     int64
	cacheEviction int64
	gauges        map[string]float64
	verifyLatency VerifyLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// VerifyLatencyStat tracks latency of calls through the Verifier Gateway
// (C5) — the one suspension point most likely to dominate validation time.
type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Outcomes      map[string]int64        `json:"outcomes"`
	ErrorKinds    map[string]int64        `json:"error_kinds"`
	CacheHits     int64                   `json:"cache_hits"`
	CacheMisses   int64                   `json:"cache_misses"`
	CacheEvicts   int64                   `json:"cache_evictions"`
	Gauges        map[string]float64      `json:"gauges"`
	VerifyLatency VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcome:    map[string]int64{},
		errorKind:  map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome records a terminal validation decision: "valid" or "invalid".
func (r *Registry) IncOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

// IncErrorKind records a failure by the taxonomy kind it belongs to
// (ProductMismatch, PolicyMissing, CryptoVerifyFailed, ...).
func (r *Registry) IncErrorKind(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.errorKind[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cacheHit++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cacheMiss++
	r.mu.Unlock()
}

func (r *Registry) IncCacheEviction() {
	r.mu.Lock()
	r.cacheEviction++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:    make(map[string]int64, len(r.outcome)),
		ErrorKinds:  make(map[string]int64, len(r.errorKind)),
		CacheHits:   r.cacheHit,
		CacheMisses: r.cacheMiss,
		CacheEvicts: r.cacheEviction,
		Gauges:      make(map[string]float64, len(r.gauges)),
		VerifyLatency: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.errorKind {
		out.ErrorKinds[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP chainborn_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE chainborn_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "chainborn_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP chainborn_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE chainborn_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "chainborn_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP chainborn_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE chainborn_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "chainborn_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP chainborn_validation_outcome_total terminal validation decisions\n")
		b.WriteString("# TYPE chainborn_validation_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "chainborn_validation_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP chainborn_validation_error_total validation failures by error kind\n")
		b.WriteString("# TYPE chainborn_validation_error_total counter\n")
		for _, kind := range SortedKeys(snap.ErrorKinds) {
			fmt.Fprintf(b, "chainborn_validation_error_total{kind=%q} %d\n", kind, snap.ErrorKinds[kind])
		}
		b.WriteString("# HELP chainborn_cache_hit_total validation cache hits\n")
		b.WriteString("# TYPE chainborn_cache_hit_total counter\n")
		fmt.Fprintf(b, "chainborn_cache_hit_total %d\n", snap.CacheHits)
		b.WriteString("# HELP chainborn_cache_miss_total validation cache misses\n")
		b.WriteString("# TYPE chainborn_cache_miss_total counter\n")
		fmt.Fprintf(b, "chainborn_cache_miss_total %d\n", snap.CacheMisses)
		b.WriteString("# HELP chainborn_cache_eviction_total validation cache LRU evictions\n")
		b.WriteString("# TYPE chainborn_cache_eviction_total counter\n")
		fmt.Fprintf(b, "chainborn_cache_eviction_total %d\n", snap.CacheEvicts)
		b.WriteString("# HELP chainborn_gauge operational gauge metrics\n")
		b.WriteString("# TYPE chainborn_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "chainborn_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP chainborn_latency_seconds latency histogram\n")
			b.WriteString("# TYPE chainborn_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "chainborn_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "chainborn_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "chainborn_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "chainborn_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "chainborn_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "chainborn_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "chainborn_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP chainborn_verify_latency_ms Verifier Gateway call latency in ms\n")
		b.WriteString("# TYPE chainborn_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "chainborn_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatency.LastMS)
		fmt.Fprintf(b, "chainborn_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatency.AvgMS)
		fmt.Fprintf(b, "chainborn_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatency.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
