package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"mediahub/internal/config"
	"mediahub/internal/observability/metrics"
	"mediahub/internal/upload"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BlobStore.Driver = config.BlobDriverMemory
	cfg.BlobStore.PublicBaseURL = "https://cdn.test"
	cfg.Sweeper.Interval = 0
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, now func() time.Time) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, logger, metrics.New(), WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func TestNewWiresMemoryBackends(t *testing.T) {
	a := newTestApp(t, testConfig(), time.Now)
	if a.Manager == nil || a.Receiver == nil || a.Pool == nil || a.Registry == nil {
		t.Fatal("expected every component to be built")
	}
	if len(a.Jobs) != 6 {
		t.Fatalf("expected six expiry jobs, got %d", len(a.Jobs))
	}
	kinds := make([]string, 0, len(a.Jobs))
	for _, job := range a.Jobs {
		kinds = append(kinds, job.Kind())
	}
	if got := strings.Join(kinds, ","); got != "upload_session,stalled_assembly,failed_upload_chunks,leftover_upload_chunks,upload_session_record,temporary_artifact" {
		t.Fatalf("unexpected job kinds %s", got)
	}
	handler := a.Handler()
	if handler.Store == nil || handler.Manager != a.Manager {
		t.Fatal("expected handler to share the app components")
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.Uploads.ChecksumAlgorithm = "crc32"
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected checksum error")
	}

	cfg = testConfig()
	cfg.BlobStore.Driver = "tape"
	if _, err := New(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected blob store error")
	}
}

func TestSweepExpiresSessionsAndRecordsMetrics(t *testing.T) {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	a := newTestApp(t, testConfig(), func() time.Time { return start })

	ctx := context.Background()
	if _, err := a.Manager.Init(ctx, upload.InitRequest{
		FileName:      "clip.mp4",
		MimeType:      "video/mp4",
		TotalFileSize: 10 << 20,
	}, "owner-1"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	summaries := a.Sweep(ctx, start.Add(time.Hour))
	for _, summary := range summaries {
		if summary.Expired != 0 || summary.Failed() != 0 {
			t.Fatalf("expected nothing to expire yet, got %+v", summary)
		}
	}

	summaries = a.Sweep(ctx, start.Add(a.Config.Uploads.SessionTTL+time.Minute))
	if len(summaries) != 6 {
		t.Fatalf("expected a summary per job, got %d", len(summaries))
	}
	if summaries[0].Kind != "upload_session" || summaries[0].Expired != 1 {
		t.Fatalf("expected the session to expire, got %+v", summaries[0])
	}

	var buf bytes.Buffer
	a.Metrics.Write(&buf)
	if want := `mediahub_expiry_items_total{kind="upload_session",outcome="expired"} 1`; !strings.Contains(buf.String(), want) {
		t.Fatalf("expected metrics to contain %q\n%s", want, buf.String())
	}
}

func TestStartSweeperDisabledWithoutInterval(t *testing.T) {
	a := newTestApp(t, testConfig(), time.Now)
	stop := a.StartSweeper(context.Background())
	stop()
}
