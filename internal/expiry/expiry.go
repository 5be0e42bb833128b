// Package expiry implements the sweep shared by every kind of time boxed
// item: upload sessions, retained chunk data and temporary artifacts.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSkip is returned by Source.Reclaim when the item changed since it was
// listed and no longer qualifies.
var ErrSkip = errors.New("expiry: item no longer eligible")

// Source supplies expired items of one kind and reclaims them one at a time.
type Source[T any] interface {
	Kind() string
	Candidates(ctx context.Context, now time.Time) ([]T, error)
	// Reclaim expires a single item. Implementations re-check the item and
	// apply their changes conditionally.
	Reclaim(ctx context.Context, item T, now time.Time) error
	Describe(item T) string
}

// Summary reports a single sweep of one source.
type Summary struct {
	Kind    string        `json:"kind"`
	Scanned int           `json:"scanned"`
	Expired int           `json:"expired"`
	Skipped int           `json:"skipped"`
	Errors  []error       `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}

// Failed reports the number of items whose reclaim returned an error.
func (s Summary) Failed() int {
	return len(s.Errors)
}

// Sweep reclaims every candidate of src. A failing item is logged and
// recorded and never stops the sweep.
func Sweep[T any](ctx context.Context, src Source[T], now time.Time, logger *slog.Logger) Summary {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	summary := Summary{Kind: src.Kind()}
	logger = logger.With("kind", summary.Kind)

	items, err := src.Candidates(ctx, now)
	if err != nil {
		logger.Error("failed to list expired items", "error", err)
		summary.Errors = append(summary.Errors, fmt.Errorf("list %s: %w", summary.Kind, err))
		summary.Elapsed = time.Since(start)
		return summary
	}
	for _, item := range items {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, ctx.Err())
			break
		}
		summary.Scanned++
		err := src.Reclaim(ctx, item, now)
		switch {
		case err == nil:
			summary.Expired++
		case errors.Is(err, ErrSkip):
			summary.Skipped++
		default:
			id := src.Describe(item)
			logger.Warn("failed to reclaim expired item", "item", id, "error", err)
			summary.Errors = append(summary.Errors, fmt.Errorf("%s %s: %w", summary.Kind, id, err))
		}
	}
	summary.Elapsed = time.Since(start)
	if summary.Scanned > 0 {
		logger.Info("expiry sweep finished",
			"scanned", summary.Scanned,
			"expired", summary.Expired,
			"skipped", summary.Skipped,
			"failed", summary.Failed(),
		)
	}
	return summary
}

// Job is a type erased sweep over one source.
type Job interface {
	Kind() string
	Run(ctx context.Context, now time.Time, logger *slog.Logger) Summary
}

type sourceJob[T any] struct {
	src Source[T]
}

// NewJob wraps a source so sources of different item types can be scheduled
// together.
func NewJob[T any](src Source[T]) Job {
	return sourceJob[T]{src: src}
}

func (j sourceJob[T]) Kind() string {
	return j.src.Kind()
}

func (j sourceJob[T]) Run(ctx context.Context, now time.Time, logger *slog.Logger) Summary {
	return Sweep(ctx, j.src, now, logger)
}

// RunAll sweeps each job in order.
func RunAll(ctx context.Context, jobs []Job, now time.Time, logger *slog.Logger) []Summary {
	summaries := make([]Summary, 0, len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		summaries = append(summaries, job.Run(ctx, now, logger))
	}
	return summaries
}
