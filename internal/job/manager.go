package job

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"iavatar/internal/sadtalker"
	"iavatar/internal/scratch"
)

// GenerateFunc produces the output video for one job. The production
// implementation is (*sadtalker.Runner).Generate; tests inject fakes.
type GenerateFunc func(ctx context.Context, req sadtalker.Request) (string, error)

// Manager owns the job lifecycle: admission through a bounded queue, a
// fixed worker pool sized for the accelerator, the durable ledger, and
// exactly-once release of every job's scratch inputs.
type Manager struct {
	mu          sync.RWMutex
	ledger      Ledger
	scratch     *scratch.Store
	generate    GenerateFunc
	queue       chan string
	workers     int
	scopes      map[string]*scratch.Scope
	cancels     map[string]context.CancelFunc
	cancelAsked map[string]bool
	done        map[string]chan struct{}
	workersWG   sync.WaitGroup
}

// NewManager creates a manager. The generate function and ledger are
// required; options fall back to single-worker defaults.
func NewManager(ledger Ledger, store *scratch.Store, generate GenerateFunc, opts Options) *Manager {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = defaultMaxConcurrent
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	return &Manager{
		ledger:      ledger,
		scratch:     store,
		generate:    generate,
		queue:       make(chan string, opts.QueueDepth),
		workers:     opts.MaxConcurrentJobs,
		scopes:      make(map[string]*scratch.Scope),
		cancels:     make(map[string]context.CancelFunc),
		cancelAsked: make(map[string]bool),
		done:        make(map[string]chan struct{}),
	}
}

// Start launches the worker pool. The context is the base lifetime for all
// processing; cancelling it on shutdown kills in-flight inference process
// groups and stops the workers.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.workersWG.Add(1)
		go func() {
			defer m.workersWG.Done()
			m.runWorker(ctx)
		}()
	}
}

// QueueFull reports whether a new submission would be rejected right now.
func (m *Manager) QueueFull() bool {
	return len(m.queue) >= cap(m.queue)
}

// Submit persists the uploads into a scratch scope, records the job as
// queued in the ledger, and enqueues it. A full queue rejects with
// ErrQueueFull; nothing half-submitted is left behind on any error path.
func (m *Manager) Submit(image, audio io.Reader, opts GenOptions) (*Job, error) {
	if m.QueueFull() {
		return nil, ErrQueueFull
	}
	if opts.Preprocess == "" {
		opts.Preprocess = defaultPreprocess
	}

	token := uuid.NewString()
	scope := m.scratch.Begin(token)

	imagePath, err := scope.SaveImage(image)
	if err != nil {
		scope.Release()
		return nil, fmt.Errorf("save image: %w", err)
	}
	audioPath, err := scope.SaveAudio(audio)
	if err != nil {
		scope.Release()
		return nil, fmt.Errorf("save audio: %w", err)
	}

	j := &Job{
		Token:     token,
		Status:    StatusQueued,
		Options:   opts,
		ImagePath: imagePath,
		AudioPath: audioPath,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.ledger.Insert(context.Background(), j); err != nil {
		scope.Release()
		return nil, fmt.Errorf("record job: %w", err)
	}

	m.mu.Lock()
	m.scopes[token] = scope
	m.done[token] = make(chan struct{})
	m.mu.Unlock()

	select {
	case m.queue <- token:
	default:
		m.mu.Lock()
		delete(m.scopes, token)
		delete(m.done, token)
		m.mu.Unlock()
		scope.Release()
		if err := m.ledger.Delete(context.Background(), token); err != nil {
			log.Warn().Str("token", token).Err(err).Msg("rollback of rejected job failed")
		}
		return nil, ErrQueueFull
	}

	log.Info().Str("token", token).Str("preprocess", opts.Preprocess).Bool("still", opts.Still).Bool("enhancer", opts.UseEnhancer).Msg("job queued")
	return j, nil
}

// Get returns the current ledger record for a token.
func (m *Manager) Get(ctx context.Context, token string) (*Job, error) {
	j, err := m.ledger.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Wait blocks until the job reaches a terminal state or the context is
// done, then returns the final record. Used by the synchronous endpoint.
func (m *Manager) Wait(ctx context.Context, token string) (*Job, error) {
	m.mu.RLock()
	ch, pending := m.done[token]
	m.mu.RUnlock()
	if pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.Get(ctx, token)
}

// Cancel aborts a job. Queued jobs are marked canceled before any worker
// touches them; running jobs get their context canceled, which kills the
// inference process group. Terminal jobs return ErrAlreadyFinished.
func (m *Manager) Cancel(ctx context.Context, token string) error {
	for attempt := 0; attempt < 2; attempt++ {
		j, err := m.Get(ctx, token)
		if err != nil {
			return err
		}
		switch j.Status {
		case StatusQueued:
			ok, err := m.ledger.CancelQueued(ctx, token, time.Now().UTC())
			if err != nil {
				return err
			}
			if !ok {
				// picked up between the read and the update; retry as running
				continue
			}
			// terminal now: wake waiters and drop inputs without waiting
			// for a worker to drain past the token
			m.mu.Lock()
			scope := m.scopes[token]
			doneCh := m.done[token]
			delete(m.done, token)
			m.mu.Unlock()
			if scope != nil {
				scope.Release()
			}
			if doneCh != nil {
				close(doneCh)
			}
			log.Info().Str("token", token).Msg("queued job canceled")
			return nil
		case StatusRunning:
			m.mu.Lock()
			cancel := m.cancels[token]
			if cancel != nil {
				m.cancelAsked[token] = true
			}
			m.mu.Unlock()
			if cancel == nil {
				// finished between the read and the lookup; retry to report it
				continue
			}
			cancel()
			log.Info().Str("token", token).Msg("running job cancel requested")
			return nil
		default:
			return ErrAlreadyFinished
		}
	}
	return ErrAlreadyFinished
}

// Recent returns the newest jobs, most recent first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*Job, error) {
	return m.ledger.Recent(ctx, limit)
}

// Counts returns job totals grouped by status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	return m.ledger.CountByStatus(ctx)
}

// WaitAll blocks until every worker finishes or the context is done.
// Returns true if all workers finished. On a clean drain, scratch scopes of
// jobs that never ran are released as well.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.releaseLeftoverScopes()
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) releaseLeftoverScopes() {
	m.mu.Lock()
	leftovers := make([]*scratch.Scope, 0, len(m.scopes))
	for token, scope := range m.scopes {
		leftovers = append(leftovers, scope)
		delete(m.scopes, token)
	}
	m.mu.Unlock()
	for _, scope := range leftovers {
		scope.Release()
	}
}

// UseGenerator allows tests to inject a fake generation function.
// Not safe for concurrent mutation with running workers; test setup only.
func (m *Manager) UseGenerator(fn GenerateFunc) {
	m.mu.Lock()
	m.generate = fn
	m.mu.Unlock()
}
