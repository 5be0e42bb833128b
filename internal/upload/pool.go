package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"mediahub/internal/expiry"
	"mediahub/internal/models"
	"mediahub/internal/observability/logging"
	"mediahub/internal/storage"
)

const (
	defaultAssemblyWorkers    = 2
	defaultAssemblyTimeout    = 30 * time.Minute
	defaultStaleAssemblyAfter = 30 * time.Minute
	recoveryBatchSize         = 100
)

// ErrPoolClosed is returned by Run after Shutdown.
var ErrPoolClosed = errors.New("assembly pool is shut down")

// AssemblyPoolConfig configures the assembly pool.
type AssemblyPoolConfig struct {
	Assembler *Assembler
	Store     storage.SessionStore
	Logger    *slog.Logger
	// Workers bounds the number of concurrent assemblies.
	Workers int
	// Timeout bounds a single assembly.
	Timeout time.Duration
	// StaleAfter is how long a session may sit in completing before Start or
	// the StalledAssemblies sweep assembles it again.
	StaleAfter time.Duration
	Now        func() time.Time
}

// AssemblyPool runs assemblies off the request goroutine so that a client
// disconnecting mid-assembly never strands a session in completing.
type AssemblyPool struct {
	cfg    AssemblyPoolConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]*assemblyCall
	closed   bool
}

type assemblyCall struct {
	done   chan struct{}
	result AssemblyResult
	err    error
}

// NewAssemblyPool validates the configuration and prepares a pool.
func NewAssemblyPool(cfg AssemblyPoolConfig) (*AssemblyPool, error) {
	if cfg.Assembler == nil {
		return nil, errors.New("assembler is required")
	}
	if cfg.Store == nil {
		cfg.Store = cfg.Assembler.store
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultAssemblyWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAssemblyTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAssemblyAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AssemblyPool{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "assembly-pool"),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]*assemblyCall),
	}, nil
}

// Start re-assembles sessions left in completing by a crashed process.
func (p *AssemblyPool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.RecoverStalled(ctx); err != nil {
			p.logger.Error("failed to recover stalled assemblies", "error", err)
		}
	}()
}

// Run assembles the session and waits for the outcome or for ctx. When ctx
// ends first the assembly keeps running. Concurrent calls for the same
// session share one assembly.
func (p *AssemblyPool) Run(ctx context.Context, sessionID string) (AssemblyResult, error) {
	call, err := p.submit(ctx, sessionID)
	if err != nil {
		return AssemblyResult{}, err
	}
	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		return AssemblyResult{}, fmt.Errorf("wait for assembly: %w", ctx.Err())
	}
}

// RecoverStalled schedules assemblies for sessions that have been completing
// longer than StaleAfter and returns how many were scheduled.
func (p *AssemblyPool) RecoverStalled(ctx context.Context) (int, error) {
	sessions, err := p.stalled(ctx, p.cfg.Now())
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, session := range sessions {
		if _, err := p.submit(ctx, session.ID); err != nil {
			return scheduled, err
		}
		scheduled++
		p.logger.Warn("recovering stalled assembly", "upload_id", session.ID, "updated_at", session.UpdatedAt)
	}
	return scheduled, nil
}

func (p *AssemblyPool) stalled(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	sessions, err := p.cfg.Store.ListSessions(ctx, storage.SessionFilter{
		Statuses:      []models.UploadStatus{models.UploadStatusCompleting},
		UpdatedBefore: now.UTC().Add(-p.cfg.StaleAfter),
		Limit:         recoveryBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list stalled assemblies: %w", err)
	}
	return sessions, nil
}

func (p *AssemblyPool) running(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[sessionID]
	return ok
}

// StalledAssemblies returns an expiry source that hands sessions stuck in
// completing back to the pool on every sweep. It covers sessions stranded by
// a shutdown or a restart that happened before StaleAfter had passed.
func (p *AssemblyPool) StalledAssemblies() *StalledAssemblies {
	return &StalledAssemblies{pool: p}
}

// StalledAssemblies schedules assemblies. A reclaimed item means an assembly
// was started, not that it finished.
type StalledAssemblies struct {
	pool *AssemblyPool
}

func (s *StalledAssemblies) Kind() string { return "stalled_assembly" }

func (s *StalledAssemblies) Describe(session models.UploadSession) string { return session.ID }

func (s *StalledAssemblies) Candidates(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	return s.pool.stalled(ctx, now)
}

func (s *StalledAssemblies) Reclaim(ctx context.Context, listed models.UploadSession, _ time.Time) error {
	if s.pool.running(listed.ID) {
		return expiry.ErrSkip
	}
	session, err := reload(ctx, s.pool.cfg.Store, listed.ID)
	if err != nil {
		return err
	}
	if session.Status != models.UploadStatusCompleting {
		return expiry.ErrSkip
	}
	if _, err := s.pool.submit(ctx, session.ID); err != nil {
		return err
	}
	s.pool.logger.Warn("recovering stalled assembly", "upload_id", session.ID, "updated_at", session.UpdatedAt)
	return nil
}

var _ expiry.Source[models.UploadSession] = (*StalledAssemblies)(nil)

// InFlight reports the number of sessions currently being assembled.
func (p *AssemblyPool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Shutdown stops accepting work and waits for running assemblies or ctx.
func (p *AssemblyPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *AssemblyPool) submit(ctx context.Context, sessionID string) (*assemblyCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if call, ok := p.inFlight[sessionID]; ok {
		return call, nil
	}
	call := &assemblyCall{done: make(chan struct{})}
	p.inFlight[sessionID] = call
	p.wg.Add(1)
	go p.execute(context.WithoutCancel(ctx), sessionID, call)
	return call, nil
}

func (p *AssemblyPool) execute(ctx context.Context, sessionID string, call *assemblyCall) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, sessionID)
		p.mu.Unlock()
		close(call.done)
	}()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		call.err = fmt.Errorf("%w: %w", ErrStorage, ErrPoolClosed)
		return
	}
	defer p.sem.Release(1)

	assembleCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	call.result, call.err = p.cfg.Assembler.Assemble(assembleCtx, sessionID)
}
