package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/neurosim/chunker"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

const (
	// DefaultMaxAttempts bounds insert attempts for one delivery of a job.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the first retry delay; it doubles on each retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDeliveries bounds how often a job is picked up across restarts.
	DefaultMaxDeliveries = 3

	// DefaultCallTimeout bounds each insert call, including embedding.
	DefaultCallTimeout = 2 * time.Minute
)

// Decrypter opens encrypted uploads.
type Decrypter interface {
	Decrypt(blob *core.EncryptedBlob) (string, error)
}

// Store persists chunk candidates for a user. InsertAt fails with
// storage.ErrNamespaceDeleted once the user's data was deleted after the
// generation was read.
type Store interface {
	Generation(ctx context.Context, userID string) (uint64, error)
	InsertAt(ctx context.Context, userID string, generation uint64, candidates []core.ChunkCandidate, source core.Source) ([]uuid.UUID, error)
}

// Pipeline processes ingestion jobs in the background.
type Pipeline struct {
	jobs          storage.JobRepository
	store         Store
	decrypter     Decrypter
	chunker       *chunker.Chunker
	pool          *ants.Pool
	logger        *slog.Logger
	maxAttempts   int
	baseDelay     time.Duration
	maxDeliveries int
	callTimeout   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	backlog  []string
	released bool
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		if p.pool != nil {
			p.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithChunker sets the chunker used to split documents.
// Default uses chunker.DefaultMaxSize and chunker.DefaultOverlap.
func WithChunker(c *chunker.Chunker) Option {
	return func(p *Pipeline) error {
		if c == nil {
			return fmt.Errorf("%w: chunker is nil", core.ErrConfiguration)
		}
		p.chunker = c
		return nil
	}
}

// WithRetry sets the number of insert attempts per delivery and the first backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(p *Pipeline) error {
		if maxAttempts < 1 || baseDelay < 0 {
			return fmt.Errorf("%w: invalid retry policy (attempts=%d, delay=%s)", core.ErrConfiguration, maxAttempts, baseDelay)
		}
		p.maxAttempts = maxAttempts
		p.baseDelay = baseDelay
		return nil
	}
}

// WithMaxDeliveries sets how many times a job may be picked up before it is
// marked failed without another attempt.
func WithMaxDeliveries(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			return fmt.Errorf("%w: max deliveries must be positive, got %d", core.ErrConfiguration, n)
		}
		p.maxDeliveries = n
		return nil
	}
}

// WithCallTimeout bounds each insert call.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return fmt.Errorf("%w: call timeout must be positive, got %s", core.ErrConfiguration, d)
		}
		p.callTimeout = d
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a pipeline and starts its dispatcher.
// Call Release when done.
func NewPipeline(jobs storage.JobRepository, store Store, decrypter Decrypter, opts ...Option) (*Pipeline, error) {
	if jobs == nil {
		return nil, ErrJobRepositoryRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	if decrypter == nil {
		return nil, ErrDecrypterRequired
	}

	defaultChunker, err := chunker.NewChunker(chunker.DefaultMaxSize, chunker.DefaultOverlap)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		jobs:          jobs,
		store:         store,
		decrypter:     decrypter,
		chunker:       defaultChunker,
		logger:        slog.Default(),
		maxAttempts:   DefaultMaxAttempts,
		baseDelay:     DefaultBaseDelay,
		maxDeliveries: DefaultMaxDeliveries,
		callTimeout:   DefaultCallTimeout,
		inflight:      make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			if p.pool != nil {
				p.pool.Release()
			}
			return nil, optErr
		}
	}

	if p.pool == nil {
		poolSize := runtime.NumCPU() / 2
		if poolSize < 1 {
			poolSize = 1
		}
		p.pool, err = ants.NewPool(poolSize)
		if err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "ingestion")

	go p.dispatch()
	return p, nil
}

// Submit stores job in the durable queue as pending and schedules it.
// It returns without waiting for processing.
//
// Submitting a file ID that already completed is a no-op. A file ID that is
// still queued is scheduled again without replacing its blob. A file ID that
// failed is replaced by the new submission.
func (p *Pipeline) Submit(ctx context.Context, job *core.Job) error {
	if job == nil || job.FileID == "" {
		return fmt.Errorf("%w: job requires a file id", core.ErrInput)
	}
	if err := core.ValidateUserID(job.UserID); err != nil {
		return err
	}
	if p.isReleased() {
		return ErrPipelineReleased
	}

	job.Status = core.JobStatusPending
	job.Attempts = 0
	job.ChunkCount = 0
	job.FailureReason = ""

	err := p.jobs.EnqueueJob(ctx, job)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return p.resubmit(ctx, job)
	}
	if err != nil {
		return fmt.Errorf("%w: enqueueing job: %w", core.ErrStorage, err)
	}

	p.logger.Info("job queued", "file_id", job.FileID, "user_id", job.UserID)
	p.schedule(job.FileID)
	return nil
}

func (p *Pipeline) resubmit(ctx context.Context, job *core.Job) error {
	existing, err := p.jobs.GetJob(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("%w: loading job: %w", core.ErrStorage, err)
	}
	if existing.UserID != job.UserID {
		return fmt.Errorf("%w: %w", core.ErrInput, ErrFileOwnedByOtherUser)
	}

	switch existing.Status {
	case core.JobStatusCompleted:
		p.logger.Debug("job already completed", "file_id", job.FileID, "user_id", job.UserID)
		return nil
	case core.JobStatusFailed:
		job.CreatedAt = existing.CreatedAt
		if err := p.jobs.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("%w: requeueing job: %w", core.ErrStorage, err)
		}
		p.logger.Info("failed job requeued", "file_id", job.FileID, "user_id", job.UserID)
	}
	p.schedule(job.FileID)
	return nil
}

// Resume schedules every job that had not finished, oldest first, and
// returns how many were scheduled. Call it once after start-up.
func (p *Pipeline) Resume(ctx context.Context) (int, error) {
	if p.isReleased() {
		return 0, ErrPipelineReleased
	}
	jobs, err := p.jobs.UnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing unfinished jobs: %w", core.ErrStorage, err)
	}
	for _, job := range jobs {
		p.schedule(job.FileID)
	}
	if len(jobs) > 0 {
		p.logger.Info("resumed unfinished jobs", "jobs", len(jobs))
	}
	return len(jobs), nil
}

// Status returns the job for fileID without its encrypted payload.
// Returns storage.ErrNotFound if there is no such job.
func (p *Pipeline) Status(ctx context.Context, fileID string) (*core.Job, error) {
	job, err := p.jobs.GetJob(ctx, fileID)
	if err != nil {
		return nil, err
	}
	job.Blob = core.EncryptedBlob{}
	return job, nil
}

// Wait blocks until every scheduled job has been processed.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Release stops scheduling and releases the worker pool. Jobs that were
// scheduled but not started stay pending in the queue for the next Resume.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	dropped := len(p.backlog)
	p.backlog = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	for range dropped {
		p.wg.Done()
	}
	p.pool.Release()
}

func (p *Pipeline) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// schedule adds fileID to the backlog unless it is already queued or running.
func (p *Pipeline) schedule(fileID string) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	if _, ok := p.inflight[fileID]; ok {
		p.mu.Unlock()
		return
	}
	p.inflight[fileID] = struct{}{}
	p.backlog = append(p.backlog, fileID)
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch hands backlog entries to the pool, blocking while every worker is busy.
func (p *Pipeline) dispatch() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if p.released || len(p.backlog) == 0 {
				p.mu.Unlock()
				break
			}
			fileID := p.backlog[0]
			p.backlog = p.backlog[1:]
			p.mu.Unlock()

			err := p.pool.Submit(func() {
				defer p.finish(fileID)
				p.process(context.Background(), fileID)
			})
			if err != nil {
				p.logger.Error("error submitting job to pool", "file_id", fileID, "err", err)
				p.finish(fileID)
			}
		}
	}
}

func (p *Pipeline) finish(fileID string) {
	p.mu.Lock()
	delete(p.inflight, fileID)
	p.mu.Unlock()
	p.wg.Done()
}
