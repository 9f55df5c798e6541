// Package retention deletes user data once it is older than the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

const (
	// DefaultRetention is how long chunks are kept.
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultInterval is how often Run sweeps.
	DefaultInterval = time.Hour
)

var (
	// ErrChunkRepositoryRequired is returned when a chunk repository is not provided.
	ErrChunkRepositoryRequired = errors.New("chunk repository required")

	// ErrJobRepositoryRequired is returned when a job repository is not provided.
	ErrJobRepositoryRequired = errors.New("job repository required")
)

// Compactor reclaims space freed by deletions.
type Compactor interface {
	RunGC() (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Cutoff        time.Time
	Users         int
	ChunksPurged  int
	JobsPurged    int
	FilesRewritten int
	Failures      int
}

// Sweeper purges expired chunks and finished jobs.
type Sweeper struct {
	chunks    storage.ChunkRepository
	jobs      storage.JobRepository
	compactor Compactor
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper) error

// WithRetention sets the retention window.
// Default is DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) error {
		if d <= 0 {
			return fmt.Errorf("%w: retention must be positive, got %s", core.ErrConfiguration, d)
		}
		s.retention = d
		return nil
	}
}

// WithInterval sets how often Run sweeps.
// Default is DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) error {
		if d <= 0 {
			return fmt.Errorf("%w: sweep interval must be positive, got %s", core.ErrConfiguration, d)
		}
		s.interval = d
		return nil
	}
}

// WithCompactor runs garbage collection after each sweep.
func WithCompactor(c Compactor) Option {
	return func(s *Sweeper) error {
		s.compactor = c
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) error {
		if now == nil {
			now = time.Now
		}
		s.now = now
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewSweeper creates a Sweeper.
func NewSweeper(chunks storage.ChunkRepository, jobs storage.JobRepository, opts ...Option) (*Sweeper, error) {
	if chunks == nil {
		return nil, ErrChunkRepositoryRequired
	}
	if jobs == nil {
		return nil, ErrJobRepositoryRequired
	}
	s := &Sweeper{
		chunks:    chunks,
		jobs:      jobs,
		retention: DefaultRetention,
		interval:  DefaultInterval,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "retention")
	return s, nil
}

// Retention returns the retention window.
func (s *Sweeper) Retention() time.Duration {
	return s.retention
}

// Sweep purges, in every namespace, chunks created before now minus the
// retention window, along with leftovers of interrupted deletions, including
// those of users no longer registered. It then
// drops finished jobs older than the cutoff and compacts storage.
// A failure in one namespace does not stop the others; the first error is returned.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	report := Report{Cutoff: s.now().UTC().Add(-s.retention)}

	users, err := s.chunks.Users(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: listing namespaces: %w", core.ErrStorage, err)
	}
	report.Users = len(users)

	var firstErr error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		purged, err := s.chunks.PurgeExpired(ctx, userID, report.Cutoff)
		report.ChunksPurged += purged
		if err != nil {
			report.Failures++
			s.logger.Error("error purging expired chunks", "user_id", userID, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: purging chunks: %w", core.ErrStorage, err)
			}
			continue
		}
		if purged > 0 {
			s.logger.Debug("purged expired chunks", "user_id", userID, "chunks", purged)
		}
	}

	orphaned, err := s.chunks.PurgeDeleted(ctx)
	report.ChunksPurged += orphaned
	if err != nil {
		report.Failures++
		s.logger.Error("error purging deleted namespaces", "err", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: purging deleted namespaces: %w", core.ErrStorage, err)
		}
	}

	jobs, err := s.jobs.PurgeFinishedJobs(ctx, report.Cutoff)
	report.JobsPurged = jobs
	if err != nil {
		report.Failures++
		s.logger.Error("error purging finished jobs", "err", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%w: purging jobs: %w", core.ErrStorage, err)
		}
	}

	if s.compactor != nil {
		rewritten, err := s.compactor.RunGC()
		report.FilesRewritten = rewritten
		if err != nil {
			s.logger.Warn("value log gc failed", "err", err)
		}
	}

	s.logger.Info("retention sweep finished",
		"cutoff", report.Cutoff,
		"users", report.Users,
		"chunks", report.ChunksPurged,
		"jobs", report.JobsPurged,
		"failures", report.Failures)
	return report, firstErr
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
