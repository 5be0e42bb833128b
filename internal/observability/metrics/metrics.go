package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type chunkLabel struct {
	outcome string
}

type sweepLabel struct {
	kind    string
	outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, chunk
// deliveries, session transitions, assemblies and expiry sweeps. It
// implements upload.Metrics.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	chunkCount        map[chunkLabel]uint64
	chunkBytes        uint64
	transitions       map[string]uint64
	assemblyCount     map[string]uint64
	assemblyDuration  map[string]time.Duration
	sweepItems        map[sweepLabel]uint64
	sweepRuns         map[string]uint64
	rateLimited       map[string]uint64
	activeAssemblies  atomic.Int64
	lastSweepUnixSecs atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		chunkCount:       make(map[chunkLabel]uint64),
		transitions:      make(map[string]uint64),
		assemblyCount:    make(map[string]uint64),
		assemblyDuration: make(map[string]time.Duration),
		sweepItems:       make(map[sweepLabel]uint64),
		sweepRuns:        make(map[string]uint64),
		rateLimited:      make(map[string]uint64),
	}
}

// Default returns the Recorder shared by packages that do not need their own.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk counts a chunk delivery by outcome ("accepted" or an error
// kind). Bytes are only added for accepted chunks.
func (r *Recorder) ObserveChunk(outcome string, bytes int64) {
	label := chunkLabel{outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.chunkCount[label]++
	if label.outcome == "accepted" && bytes > 0 {
		r.chunkBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// ObserveSessionTransition counts sessions entering status.
func (r *Recorder) ObserveSessionTransition(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.transitions[normalized]++
	r.mu.Unlock()
}

// AssemblyStarted increments the running assembly gauge.
func (r *Recorder) AssemblyStarted() {
	r.activeAssemblies.Add(1)
}

// AssemblyFinished records the outcome and duration of an assembly and
// decrements the running gauge.
func (r *Recorder) AssemblyFinished(outcome string, duration time.Duration) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.assemblyCount[normalized]++
	r.assemblyDuration[normalized] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.activeAssemblies)
}

// ObserveSweep records one pass of an expiry source.
func (r *Recorder) ObserveSweep(kind string, expired, skipped, failed int, at time.Time) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.sweepRuns[normalized]++
	r.sweepItems[sweepLabel{kind: normalized, outcome: "expired"}] += uint64(max(expired, 0))
	r.sweepItems[sweepLabel{kind: normalized, outcome: "skipped"}] += uint64(max(skipped, 0))
	r.sweepItems[sweepLabel{kind: normalized, outcome: "failed"}] += uint64(max(failed, 0))
	r.mu.Unlock()
	r.lastSweepUnixSecs.Store(at.Unix())
}

// ObserveRateLimited counts a request rejected by the named limiter scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	normalized := normalizeName(scope)
	r.mu.Lock()
	r.rateLimited[normalized]++
	r.mu.Unlock()
}

// ActiveAssemblies exposes the number of assemblies currently running.
func (r *Recorder) ActiveAssemblies() int64 {
	return r.activeAssemblies.Load()
}

// ChunkCounts returns a copy of the chunk outcome counters.
func (r *Recorder) ChunkCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.chunkCount))
	for label, count := range r.chunkCount {
		counts[label.outcome] = count
	}
	return counts
}

// TransitionCounts returns a copy of the session transition counters.
func (r *Recorder) TransitionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.transitions))
	for status, count := range r.transitions {
		counts[status] = count
	}
	return counts
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkCount = make(map[chunkLabel]uint64)
	r.chunkBytes = 0
	r.transitions = make(map[string]uint64)
	r.assemblyCount = make(map[string]uint64)
	r.assemblyDuration = make(map[string]time.Duration)
	r.sweepItems = make(map[sweepLabel]uint64)
	r.sweepRuns = make(map[string]uint64)
	r.rateLimited = make(map[string]uint64)
	r.activeAssemblies.Store(0)
	r.lastSweepUnixSecs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP mediahub_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediahub_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediahub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediahub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediahub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "mediahub_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP mediahub_upload_chunks_total Chunk deliveries by outcome")
	fmt.Fprintln(w, "# TYPE mediahub_upload_chunks_total counter")
	for _, outcome := range sortedKeys(r.chunkCount, func(l chunkLabel) string { return l.outcome }) {
		fmt.Fprintf(w, "mediahub_upload_chunks_total{outcome=\"%s\"} %d\n", outcome, r.chunkCount[chunkLabel{outcome: outcome}])
	}

	fmt.Fprintln(w, "# HELP mediahub_upload_chunk_bytes_total Bytes accepted in chunk deliveries")
	fmt.Fprintln(w, "# TYPE mediahub_upload_chunk_bytes_total counter")
	fmt.Fprintf(w, "mediahub_upload_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP mediahub_upload_session_transitions_total Sessions entering each status")
	fmt.Fprintln(w, "# TYPE mediahub_upload_session_transitions_total counter")
	for _, status := range sortedKeys(r.transitions, identity) {
		fmt.Fprintf(w, "mediahub_upload_session_transitions_total{status=\"%s\"} %d\n", status, r.transitions[status])
	}

	fmt.Fprintln(w, "# HELP mediahub_upload_assemblies_total Finished assemblies by outcome")
	fmt.Fprintln(w, "# TYPE mediahub_upload_assemblies_total counter")
	assemblyOutcomes := sortedKeys(r.assemblyCount, identity)
	for _, outcome := range assemblyOutcomes {
		fmt.Fprintf(w, "mediahub_upload_assemblies_total{outcome=\"%s\"} %d\n", outcome, r.assemblyCount[outcome])
	}

	fmt.Fprintln(w, "# HELP mediahub_upload_assembly_duration_seconds_sum Cumulative assembly time by outcome")
	fmt.Fprintln(w, "# TYPE mediahub_upload_assembly_duration_seconds_sum counter")
	for _, outcome := range assemblyOutcomes {
		fmt.Fprintf(w, "mediahub_upload_assembly_duration_seconds_sum{outcome=\"%s\"} %f\n", outcome, r.assemblyDuration[outcome].Seconds())
	}

	fmt.Fprintln(w, "# HELP mediahub_upload_active_assemblies Assemblies currently running")
	fmt.Fprintln(w, "# TYPE mediahub_upload_active_assemblies gauge")
	fmt.Fprintf(w, "mediahub_upload_active_assemblies %d\n", r.activeAssemblies.Load())

	fmt.Fprintln(w, "# HELP mediahub_expiry_sweeps_total Expiry passes by source kind")
	fmt.Fprintln(w, "# TYPE mediahub_expiry_sweeps_total counter")
	for _, kind := range sortedKeys(r.sweepRuns, identity) {
		fmt.Fprintf(w, "mediahub_expiry_sweeps_total{kind=\"%s\"} %d\n", kind, r.sweepRuns[kind])
	}

	fmt.Fprintln(w, "# HELP mediahub_expiry_items_total Items handled by expiry passes by kind and outcome")
	fmt.Fprintln(w, "# TYPE mediahub_expiry_items_total counter")
	for _, label := range r.sortedSweepLabels() {
		fmt.Fprintf(w, "mediahub_expiry_items_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.kind, label.outcome, r.sweepItems[label])
	}

	fmt.Fprintln(w, "# HELP mediahub_expiry_last_sweep_timestamp_seconds Unix time of the last expiry pass")
	fmt.Fprintln(w, "# TYPE mediahub_expiry_last_sweep_timestamp_seconds gauge")
	fmt.Fprintf(w, "mediahub_expiry_last_sweep_timestamp_seconds %d\n", r.lastSweepUnixSecs.Load())

	fmt.Fprintln(w, "# HELP mediahub_rate_limited_total Requests rejected by rate limiting by scope")
	fmt.Fprintln(w, "# TYPE mediahub_rate_limited_total counter")
	for _, scope := range sortedKeys(r.rateLimited, identity) {
		fmt.Fprintf(w, "mediahub_rate_limited_total{scope=\"%s\"} %d\n", scope, r.rateLimited[scope])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSweepLabels() []sweepLabel {
	labels := make([]sweepLabel, 0, len(r.sweepItems))
	for label := range r.sweepItems {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].kind != labels[j].kind {
			return labels[i].kind < labels[j].kind
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func identity(s string) string { return s }

func sortedKeys[K comparable, V any](m map[K]V, name func(K) string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, name(key))
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats long segments and numbers as path parameters so
// tokens and chunk numbers do not become label values.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
