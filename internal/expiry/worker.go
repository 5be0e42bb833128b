package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the subset of *time.Ticker the worker needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory creates the ticker driving a worker.
type TickerFactory func(time.Duration) Ticker

// NewTimeTicker returns a Ticker backed by time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// WorkerConfig configures a periodic sweep worker.
type WorkerConfig struct {
	Jobs     []Job
	Interval time.Duration
	Logger   *slog.Logger
	// RunOnStart sweeps once immediately.
	RunOnStart bool
	NewTicker  TickerFactory
	Now        func() time.Time
	// OnSweep receives the summaries of every pass.
	OnSweep func([]Summary)
}

// StartWorker runs the jobs on every tick until ctx ends or the returned stop
// function is called. Stop waits for an in-progress pass to finish.
func StartWorker(ctx context.Context, cfg WorkerConfig) func() {
	if len(cfg.Jobs) == 0 || cfg.Interval <= 0 {
		return func() {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(cfg.Interval)
	done := make(chan struct{})
	pass := func() {
		summaries := RunAll(workerCtx, cfg.Jobs, now().UTC(), logger)
		if cfg.OnSweep != nil {
			cfg.OnSweep(summaries)
		}
	}
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		if cfg.RunOnStart {
			pass()
		}
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				pass()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
