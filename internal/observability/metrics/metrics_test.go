package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	token := strings.Repeat("ab", 32)
	cases := []struct {
		path string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/api/uploads", "/api/uploads"},
		{"/api/uploads/" + token, "/api/uploads/:id"},
		{"/api/uploads/" + token + "/", "/api/uploads/:id"},
		{"/api/uploads/" + token + "/resume", "/api/uploads/:id/resume"},
		{"/api/uploads/" + token + "/chunks/12", "/api/uploads/:id/chunks/:id"},
		{"/api/artifacts", "/api/artifacts"},
		{"api/artifacts/0b6f1d2e-79c2-4f4e-9a53-2a7c0c1f2d11/promote", "/api/artifacts/:id/promote"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestObserveRequestAggregatesByLabel(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/uploads/"+strings.Repeat("f", 64), 200, 150*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/uploads/"+strings.Repeat("e", 64)+"/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/uploads", 201, time.Second)

	label := requestLabel{method: "GET", path: "/api/uploads/:id", status: "200"}
	if recorder.requestCount[label] != 2 || recorder.requestDuration[label] != 200*time.Millisecond {
		t.Fatalf("unexpected aggregation: %d %s", recorder.requestCount[label], recorder.requestDuration[label])
	}
	labels := recorder.sortedRequestLabels()
	if len(labels) != 2 || labels[0].method != "GET" || labels[1].method != "POST" {
		t.Fatalf("unexpected label order %+v", labels)
	}
}

func TestAssemblyGaugeNeverNegative(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts, finishes := 100, 150
	wg.Add(starts + finishes)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.AssemblyStarted()
		}()
	}
	for i := 0; i < finishes; i++ {
		go func() {
			defer wg.Done()
			recorder.AssemblyFinished("completed", time.Millisecond)
		}()
	}
	wg.Wait()

	if active := recorder.ActiveAssemblies(); active < 0 {
		t.Fatalf("active assemblies went negative: %d", active)
	}
	if count := recorder.assemblyCount["completed"]; count != uint64(finishes) {
		t.Fatalf("unexpected completed count: got %d want %d", count, finishes)
	}
}

func TestUploadCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveChunk("accepted", 100)
	recorder.ObserveChunk("accepted", 50)
	recorder.ObserveChunk("checksum_mismatch", 100)
	recorder.ObserveChunk(" ", 0)
	recorder.ObserveSessionTransition("completed")
	recorder.ObserveSessionTransition("Completed")

	chunks := recorder.ChunkCounts()
	if chunks["accepted"] != 2 || chunks["checksum_mismatch"] != 1 || chunks["unknown"] != 1 {
		t.Fatalf("unexpected chunk counts %v", chunks)
	}
	if recorder.chunkBytes != 150 {
		t.Fatalf("expected only accepted bytes counted, got %d", recorder.chunkBytes)
	}
	if transitions := recorder.TransitionCounts(); transitions["completed"] != 2 {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("PUT", "/api/uploads/"+strings.Repeat("a", 64)+"/chunks/3", 200, 500*time.Millisecond)
	recorder.ObserveChunk("accepted", 4096)
	recorder.ObserveSessionTransition("uploading")
	recorder.AssemblyStarted()
	recorder.AssemblyFinished("completed", 2*time.Second)
	at := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	recorder.ObserveSweep("upload_session", 3, 1, 0, at)
	recorder.ObserveRateLimited("chunks")

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, line := range []string{
		`mediahub_http_requests_total{method="PUT",path="/api/uploads/:id/chunks/:id",status="200"} 1`,
		`mediahub_http_request_duration_seconds_sum{method="PUT",path="/api/uploads/:id/chunks/:id",status="200"} 0.500000`,
		`mediahub_upload_chunks_total{outcome="accepted"} 1`,
		`mediahub_upload_chunk_bytes_total 4096`,
		`mediahub_upload_session_transitions_total{status="uploading"} 1`,
		`mediahub_upload_assemblies_total{outcome="completed"} 1`,
		`mediahub_upload_assembly_duration_seconds_sum{outcome="completed"} 2.000000`,
		`mediahub_upload_active_assemblies 0`,
		`mediahub_expiry_sweeps_total{kind="upload_session"} 1`,
		`mediahub_expiry_items_total{kind="upload_session",outcome="expired"} 3`,
		`mediahub_expiry_items_total{kind="upload_session",outcome="skipped"} 1`,
		`mediahub_expiry_last_sweep_timestamp_seconds 1790812800`,
		`mediahub_rate_limited_total{scope="chunks"} 1`,
	} {
		if !strings.Contains(body, line+"\n") {
			t.Errorf("expected output to contain %q\n%s", line, body)
		}
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if res.Body.String() != body {
		t.Fatal("handler output differs from Write output")
	}
}

func TestResetClearsEverything(t *testing.T) {
	recorder := New()
	recorder.ObserveChunk("accepted", 10)
	recorder.AssemblyStarted()
	recorder.Reset()
	if len(recorder.ChunkCounts()) != 0 || recorder.ActiveAssemblies() != 0 || recorder.chunkBytes != 0 {
		t.Fatal("expected reset to clear counters")
	}
}
