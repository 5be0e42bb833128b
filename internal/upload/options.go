package upload

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediahub/internal/observability/logging"
)

// Metrics receives upload pipeline events. *metrics.Recorder implements it.
type Metrics interface {
	ObserveChunk(outcome string, bytes int64)
	ObserveSessionTransition(status string)
	AssemblyStarted()
	AssemblyFinished(outcome string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveChunk(string, int64)             {}
func (noopMetrics) ObserveSessionTransition(string)        {}
func (noopMetrics) AssemblyStarted()                       {}
func (noopMetrics) AssemblyFinished(string, time.Duration) {}

// Option configures a Manager, Receiver or Assembler.
type Option func(*settings)

type settings struct {
	limits       Limits
	logger       *slog.Logger
	metrics      Metrics
	now          func() time.Time
	tokenLength  int
	tokenFactory func(int) (string, error)
	idFactory    func() string
	deleteLimit  int
}

func newSettings(component string, opts []Option) settings {
	s := settings{
		limits:       DefaultLimits(),
		metrics:      noopMetrics{},
		now:          time.Now,
		tokenLength:  32,
		tokenFactory: generateToken,
		idFactory:    uuid.NewString,
		deleteLimit:  8,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.limits = s.limits.withDefaults()
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = logging.WithComponent(s.logger, component)
	return s
}

// clock truncates to microseconds so timestamps survive a round trip through
// every session store backend unchanged.
func (s settings) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// WithLimits replaces the validation limits. Zero fields take defaults.
func WithLimits(limits Limits) Option {
	return func(s *settings) {
		s.limits = limits
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables metric reporting.
func WithMetrics(metrics Metrics) Option {
	return func(s *settings) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenLength sets the number of random bytes in new upload tokens.
func WithTokenLength(length int) Option {
	return func(s *settings) {
		if length > 0 {
			s.tokenLength = length
		}
	}
}

// WithTokenFactory overrides token generation.
func WithTokenFactory(factory func(int) (string, error)) Option {
	return func(s *settings) {
		if factory != nil {
			s.tokenFactory = factory
		}
	}
}

// WithIDFactory overrides session and artifact id generation.
func WithIDFactory(factory func() string) Option {
	return func(s *settings) {
		if factory != nil {
			s.idFactory = factory
		}
	}
}

// WithDeleteConcurrency bounds the parallel blob deletes issued while
// reclaiming chunks.
func WithDeleteConcurrency(limit int) Option {
	return func(s *settings) {
		if limit > 0 {
			s.deleteLimit = limit
		}
	}
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func randomNonce() string {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(bytes)
}
