// Command sweep runs the expiry jobs once and reports what each reclaimed.
// It reads the same configuration as the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"mediahub/internal/app"
	"mediahub/internal/config"
	"mediahub/internal/expiry"
	"mediahub/internal/observability/logging"
	"mediahub/internal/observability/metrics"
)

var errSweepFailures = errors.New("sweep finished with failures")

type options struct {
	format string
	kinds  []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, now func() time.Time) error {
	opts := options{format: "text"}
	cfg, err := config.Load("sweep", args, stderr, func(fs *pflag.FlagSet) {
		fs.StringVar(&opts.format, "format", opts.format, "report format (text or json)")
		fs.StringSliceVar(&opts.kinds, "kind", nil, "only run these job kinds (repeatable)")
	})
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return nil
		}
		return err
	}
	format := strings.ToLower(strings.TrimSpace(opts.format))
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported format %q", opts.format)
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: stderr})
	application, err := app.New(ctx, cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	jobs, err := selectJobs(application.Jobs, opts.kinds)
	if err != nil {
		return err
	}
	application.Jobs = jobs

	summaries := application.Sweep(ctx, now())
	if format == "json" {
		err = writeJSON(stdout, summaries)
	} else {
		err = writeText(stdout, summaries)
	}
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	for _, summary := range summaries {
		if summary.Failed() > 0 {
			return errSweepFailures
		}
	}
	return nil
}

func selectJobs(jobs []expiry.Job, kinds []string) ([]expiry.Job, error) {
	if len(kinds) == 0 {
		return jobs, nil
	}
	byKind := make(map[string]expiry.Job, len(jobs))
	for _, job := range jobs {
		byKind[job.Kind()] = job
	}
	selected := make([]expiry.Job, 0, len(kinds))
	for _, kind := range kinds {
		job, ok := byKind[strings.TrimSpace(kind)]
		if !ok {
			return nil, fmt.Errorf("unknown job kind %q", kind)
		}
		selected = append(selected, job)
	}
	return selected, nil
}

type report struct {
	expiry.Summary
	Failed    int      `json:"failed"`
	ElapsedMs int64    `json:"elapsedMs"`
	Errors    []string `json:"errors,omitempty"`
}

func writeJSON(w io.Writer, summaries []expiry.Summary) error {
	reports := make([]report, 0, len(summaries))
	for _, summary := range summaries {
		r := report{Summary: summary, Failed: summary.Failed(), ElapsedMs: summary.Elapsed.Milliseconds()}
		for _, err := range summary.Errors {
			r.Errors = append(r.Errors, err.Error())
		}
		reports = append(reports, r)
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reports)
}

func writeText(w io.Writer, summaries []expiry.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSCANNED\tEXPIRED\tSKIPPED\tFAILED\tELAPSED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", s.Kind, s.Scanned, s.Expired, s.Skipped, s.Failed(), s.Elapsed.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range summaries {
		for _, err := range s.Errors {
			fmt.Fprintf(w, "%s: %v\n", s.Kind, err)
		}
	}
	return nil
}
