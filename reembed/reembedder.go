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


package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of chunks to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of chunks)
	ReportInterval int

	// MaxRetries is the maximum number of attempts per embedding call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Result summarizes a run.
type Result struct {
	Users   int
	Chunks  int
	Skipped int // Deleted while the run was in progress
	Elapsed time.Duration
}

// Reembedder re-embeds every chunk in every namespace.
type Reembedder struct {
	repo      storage.ChunkRepository
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	iterator  *ChunkIterator
	logger    *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(repo storage.ChunkRepository, embedder ai.Embedder, config *Config, progress io.Writer) (*Reembedder, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		repo:      repo,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(repo, embedder, config.MaxRetries, config.RetryDelay),
		iterator:  NewChunkIterator(repo, config.BatchSize),
		logger:    slog.Default().With("component", "reembed"),
	}, nil
}

// Run re-embeds all chunks. Progress is reported to the configured writer.
func (r *Reembedder) Run(ctx context.Context) (*Result, error) {
	users, err := r.repo.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	total := 0
	for _, userID := range users {
		count, err := r.repo.CountChunks(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count chunks: %w", err)
		}
		total += count
	}

	result := &Result{Users: len(users)}
	if total == 0 {
		fmt.Fprintf(r.progress, "No chunks found (0 chunks)\n")
		return result, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d chunks across %d users (batch size: %d)\n",
		total, len(users), r.iterator.batchSize)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	err = r.iterator.ForEach(ctx, func(userID string, chunks []*core.Chunk) error {
		updated, err := r.processor.Process(ctx, userID, chunks)
		if err != nil {
			r.logger.Error("error reembedding batch", "user_id", userID, "chunks", len(chunks), "err", err)
			return fmt.Errorf("failed to process batch: %w", err)
		}
		result.Chunks += updated
		result.Skipped += len(chunks) - updated
		tracker.Add(len(chunks))
		return nil
	})
	if err != nil {
		return result, err
	}

	tracker.Finish(result.Chunks + result.Skipped)
	result.Elapsed = tracker.Elapsed()

	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d chunks in %v (%.1f chunks/sec)\n",
		result.Chunks, result.Elapsed.Round(time.Second), float64(result.Chunks)/result.Elapsed.Seconds())
	return result, nil
}
