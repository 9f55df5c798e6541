// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package neurosim wires the digital-double chat service together: encrypted
// uploads, background ingestion into per-user vector namespaces, retrieval
// augmented chat and data deletion.
package neurosim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/ai/gemini"
	"github.com/poiesic/neurosim/ai/openai"
	"github.com/poiesic/neurosim/chunker"
	"github.com/poiesic/neurosim/config"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/encryption"
	"github.com/poiesic/neurosim/ingestion"
	"github.com/poiesic/neurosim/rag"
	"github.com/poiesic/neurosim/reembed"
	"github.com/poiesic/neurosim/retention"
	"github.com/poiesic/neurosim/storage"
	"github.com/poiesic/neurosim/storage/badger"
	"github.com/poiesic/neurosim/vectorstore"
)

// StatusProcessing is the upload status reported while ingestion runs in the background.
const StatusProcessing = "processing"

// storageKeyPurpose derives the Badger at-rest key from the master key.
const storageKeyPurpose = "neurosim/storage/v1"

var allowedExtensions = []string{".txt", ".md"}

// PrivacyFeatures lists the guarantees reported by Health.
var PrivacyFeatures = []string{"data_encryption", "user_isolation", "secure_deletion"}

// UploadReceipt acknowledges an accepted upload.
type UploadReceipt struct {
	FileID   string
	UserID   string
	Filename string
	Status   string
	Message  string
}

// DeletionReport describes what DeleteUser removed.
type DeletionReport struct {
	UserID    string
	Chunks    int
	Jobs      int
	DeletedAt time.Time
}

// Health summarizes service readiness.
type Health struct {
	Status            string
	Model             string
	SecurityLevel     string
	VectorDBConnected bool
	PrivacyFeatures   []string
}

// Service owns storage, the model provider and every pipeline built on them.
type Service struct {
	cfg          *config.Config
	backend      *badger.Backend
	chunks       storage.ChunkRepository
	jobs         storage.JobRepository
	provider     ai.Provider
	encryptor    *encryption.Encryptor
	store        *vectorstore.Store
	orchestrator *rag.Orchestrator
	pipeline     *ingestion.Pipeline
	sweeper      *retention.Sweeper
	logger       *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures NewService.
type Option func(*serviceOptions) error

type serviceOptions struct {
	provider  ai.Provider
	keySource encryption.KeySource
	logger    *slog.Logger
}

// WithProvider uses provider instead of building one from the AI configuration.
// The service takes ownership and closes it.
func WithProvider(provider ai.Provider) Option {
	return func(o *serviceOptions) error {
		if provider == nil {
			return fmt.Errorf("%w: provider must not be nil", core.ErrConfiguration)
		}
		o.provider = provider
		return nil
	}
}

// WithKeySource resolves the encryption key from source, such as a secret manager.
// Default reads security.encryption_key, then security.key_file.
func WithKeySource(source encryption.KeySource) Option {
	return func(o *serviceOptions) error {
		if source == nil {
			return fmt.Errorf("%w: key source must not be nil", core.ErrConfiguration)
		}
		o.keySource = source
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) error {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
		return nil
	}
}

// NewService opens storage and builds every component from cfg.
// Jobs left unfinished by a previous process are resumed.
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", core.ErrConfiguration)
	}
	o := &serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.keySource == nil {
		o.keySource = encryption.ChainKeySource{
			encryption.StaticKeySource(cfg.Security.EncryptionKey),
			encryption.FileKeySource(cfg.Security.KeyFile),
		}
	}
	ctx := context.Background()
	logger := o.logger

	enc, err := encryption.NewEncryptorFromSource(ctx, o.keySource,
		encryption.WithProduction(cfg.IsProduction()),
		encryption.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	backendOpts := []badger.BackendOption{badger.WithBackendLogger(logger)}
	if enc.Ephemeral() {
		if !cfg.Storage.InMemory {
			logger.Warn("storage is not encrypted at rest while the encryption key is ephemeral",
				"component", "service")
		}
	} else {
		backendOpts = append(backendOpts, badger.WithEncryptionKey(enc.DeriveKey(storageKeyPurpose)))
	}
	backend, err := badger.OpenBackend(cfg.Storage.Path, cfg.Storage.InMemory, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: opening storage: %w", core.ErrStorage, err)
	}

	s := &Service{
		cfg:       cfg,
		backend:   backend,
		encryptor: enc,
		logger:    logger.With("component", "service"),
	}
	if err := s.build(ctx, o); err != nil {
		s.shutdown()
		return nil, err
	}

	resumed, err := s.pipeline.Resume(ctx)
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("%w: resuming ingestion: %w", core.ErrStorage, err)
	}
	if resumed > 0 {
		s.logger.Info("resumed unfinished ingestion jobs", "jobs", resumed)
	}
	return s, nil
}

// build creates everything on top of the opened backend.
func (s *Service) build(ctx context.Context, o *serviceOptions) error {
	cfg := s.cfg
	chunks, err := badger.NewChunkRepository(s.backend,
		badger.WithRetention(cfg.RetentionPeriod()),
		badger.WithLogger(o.logger))
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	s.chunks = chunks
	s.jobs = badger.NewJobRepository(s.backend)

	s.provider = o.provider
	if s.provider == nil {
		if s.provider, err = newProvider(ctx, cfg.AIConfig()); err != nil {
			return err
		}
	}

	if s.store, err = vectorstore.New(s.chunks, s.provider.Embedder(), vectorstore.WithLogger(o.logger)); err != nil {
		return err
	}

	s.orchestrator, err = rag.NewOrchestrator(s.store, s.provider.Generator(),
		rag.WithLogger(o.logger),
		rag.WithTopK(cfg.Chat.TopK),
		rag.WithMaxContextChars(cfg.Chat.MaxContextChars),
		rag.WithCallTimeout(cfg.Chat.CallTimeout))
	if err != nil {
		return err
	}

	split, err := chunker.NewChunker(cfg.Chunking.MaxSize, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	pipelineOpts := []ingestion.Option{
		ingestion.WithChunker(split),
		ingestion.WithRetry(cfg.Ingestion.MaxAttempts, cfg.Ingestion.RetryDelay),
		ingestion.WithCallTimeout(cfg.Ingestion.CallTimeout),
		ingestion.WithLogger(o.logger),
	}
	if cfg.Ingestion.Workers > 0 {
		pipelineOpts = append(pipelineOpts, ingestion.WithPoolSize(cfg.Ingestion.Workers))
	}
	if s.pipeline, err = ingestion.NewPipeline(s.jobs, s.store, s.encryptor, pipelineOpts...); err != nil {
		return err
	}

	if period := cfg.RetentionPeriod(); period > 0 {
		s.sweeper, err = retention.NewSweeper(s.chunks, s.jobs,
			retention.WithRetention(period),
			retention.WithInterval(cfg.Retention.SweepInterval),
			retention.WithCompactor(s.backend),
			retention.WithLogger(o.logger))
		if err != nil {
			return err
		}
	}
	return nil
}

func newProvider(ctx context.Context, cfg *ai.Config) (ai.Provider, error) {
	var (
		provider ai.Provider
		err      error
	)
	switch cfg.Backend {
	case ai.BackendGemini:
		provider, err = gemini.NewProvider(ctx, cfg)
	default:
		provider, err = openai.NewProvider(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s provider: %w", core.ErrConfiguration, cfg.Backend, err)
	}
	return provider, nil
}

// Upload accepts a document for userID, encrypts it and schedules ingestion.
// It returns as soon as the job is durably queued.
func (s *Service) Upload(ctx context.Context, userID, filename string, raw []byte) (*UploadReceipt, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	name, err := s.validateUpload(filename, raw)
	if err != nil {
		return nil, err
	}

	blob, err := s.encryptor.Encrypt(string(raw))
	if err != nil {
		return nil, err
	}
	job := &core.Job{
		FileID:   uuid.NewString(),
		UserID:   userID,
		Filename: name,
		Blob:     *blob,
	}
	if err := s.pipeline.Submit(ctx, job); err != nil {
		s.logger.Error("error queueing upload", "user_id", userID, "file_id", job.FileID,
			"error_class", core.Classify(err), "err", err)
		return nil, err
	}

	s.logger.Info("upload accepted", "user_id", userID, "file_id", job.FileID, "bytes", len(raw))
	return &UploadReceipt{
		FileID:   job.FileID,
		UserID:   userID,
		Filename: name,
		Status:   StatusProcessing,
		Message:  "File is being processed securely",
	}, nil
}

// validateUpload checks the document and returns its base name.
func (s *Service) validateUpload(filename string, raw []byte) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	ext := strings.ToLower(filepath.Ext(name))
	supported := false
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			supported = true
			break
		}
	}
	switch {
	case !supported:
		return "", fmt.Errorf("%w: %w", core.ErrInput, ErrUnsupportedFileType)
	case len(raw) == 0:
		return "", fmt.Errorf("%w: %w", core.ErrInput, ErrEmptyFile)
	case int64(len(raw)) > s.cfg.Ingestion.MaxUploadBytes:
		return "", fmt.Errorf("%w: %w", core.ErrInput, ErrFileTooLarge)
	case !utf8.Valid(raw):
		return "", fmt.Errorf("%w: %w", core.ErrInput, ErrInvalidEncoding)
	}
	return name, nil
}

// Chat answers question as userID, grounded in that user's documents.
func (s *Service) Chat(ctx context.Context, userID, question string) (*rag.Reply, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	return s.orchestrator.Chat(ctx, userID, question)
}

// DeleteUser irreversibly removes every chunk and queued upload of userID.
// Jobs go first so no worker can ingest into the namespace after its chunks are gone.
func (s *Service) DeleteUser(ctx context.Context, userID string) (*DeletionReport, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.DeleteUserJobs(ctx, userID)
	if err != nil {
		s.logger.Error("error deleting queued uploads", "user_id", userID, "err", err)
		return nil, fmt.Errorf("%w: deleting jobs: %w", core.ErrStorage, err)
	}
	chunks, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &DeletionReport{
		UserID:    userID,
		Chunks:    chunks,
		Jobs:      jobs,
		DeletedAt: time.Now().UTC(),
	}, nil
}

// JobStatus reports the ingestion state of an upload. Uploads owned by
// another user are reported as storage.ErrNotFound.
func (s *Service) JobStatus(ctx context.Context, userID, fileID string) (*core.Job, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: invalid file id", core.ErrInput)
	}
	job, err := s.pipeline.Status(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return job, nil
}

// Health reports the model in use, whether encryption is backed by a configured
// key and whether storage is open.
func (s *Service) Health(ctx context.Context) *Health {
	securityLevel := "encryption_active"
	if s.encryptor.Ephemeral() {
		securityLevel = "encryption_ephemeral"
	}
	connected := !s.closed.Load() && !s.backend.IsClosed()
	status := "healthy"
	if !connected {
		status = "degraded"
	}
	return &Health{
		Status:            status,
		Model:             s.provider.Name(),
		SecurityLevel:     securityLevel,
		VectorDBConnected: connected,
		PrivacyFeatures:   PrivacyFeatures,
	}
}

// Count returns how many chunks userID has stored.
func (s *Service) Count(ctx context.Context, userID string) (int, error) {
	return s.store.Count(ctx, userID)
}

// Wait blocks until every scheduled ingestion job has finished.
func (s *Service) Wait() {
	s.pipeline.Wait()
}

// RunRetention sweeps expired data until ctx is cancelled.
// Returns immediately when retention is disabled.
func (s *Service) RunRetention(ctx context.Context) error {
	if s.sweeper == nil {
		s.logger.Info("retention disabled")
		return nil
	}
	err := s.sweeper.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sweep runs a single retention pass.
func (s *Service) Sweep(ctx context.Context) (retention.Report, error) {
	if s.sweeper == nil {
		return retention.Report{}, fmt.Errorf("%w: retention is disabled", core.ErrConfiguration)
	}
	return s.sweeper.Sweep(ctx)
}

// Reembed recomputes every stored vector with the current embedder.
// Progress is written to progress.
func (s *Service) Reembed(ctx context.Context, cfg *reembed.Config, progress io.Writer) (*reembed.Result, error) {
	r, err := reembed.NewReembedder(s.chunks, s.provider.Embedder(), cfg, progress)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// Close stops ingestion, waits for running jobs and closes storage.
// Jobs not yet started stay queued for the next start.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.shutdown()
	})
	return s.closeErr
}

func (s *Service) shutdown() error {
	if s.pipeline != nil {
		s.pipeline.Release()
		s.pipeline.Wait()
	}
	if s.provider != nil {
		if err := s.provider.Close(); err != nil {
			s.logger.Error("error closing AI provider", "err", err)
		}
	}
	if s.chunks != nil {
		if err := s.chunks.Close(); err != nil {
			s.logger.Error("error closing chunk repository", "err", err)
		}
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}
