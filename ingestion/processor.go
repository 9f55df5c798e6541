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


package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/retry"
	"github.com/poiesic/neurosim/storage"
)

// process runs one delivery of the job identified by fileID.
func (p *Pipeline) process(ctx context.Context, fileID string) {
	logger := p.logger.With("file_id", fileID)

	job, err := p.jobs.GetJob(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted together with its owner's data.
		logger.Debug("job no longer exists")
		return
	}
	if err != nil {
		logger.Error("error loading job", "err", err)
		return
	}
	if job.Status.Finished() {
		return
	}
	logger = logger.With("user_id", job.UserID)

	if job.Attempts >= p.maxDeliveries {
		logger.Error("job exceeded delivery limit", "attempts", job.Attempts)
		p.complete(ctx, job, 0, fmt.Errorf("%w: delivery limit reached", core.ErrStorage))
		return
	}

	job.Status = core.JobStatusProcessing
	job.Attempts++
	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		logger.Error("error marking job processing", "err", err)
		return
	}

	count, err := p.ingest(ctx, job)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceDeleted) {
		logger.Info("owner data deleted during ingestion, skipping")
		return
	}
	p.complete(ctx, job, count, err)
}

// ingest decrypts, chunks and stores the job's document. Returns the number of chunks stored.
func (p *Pipeline) ingest(ctx context.Context, job *core.Job) (int, error) {
	text, err := p.decrypter.Decrypt(&job.Blob)
	if err != nil {
		return 0, err
	}

	candidates, err := p.chunker.Split(text)
	if err != nil {
		return 0, err
	}
	kept := candidates[:0]
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.Text) != "" {
			kept = append(kept, candidate)
		}
	}
	if len(kept) == 0 {
		return 0, nil
	}

	// Deletes remove jobs before chunks. A generation read before the job
	// check fences the insert against a delete that starts after the check.
	gen, err := p.store.Generation(ctx, job.UserID)
	if err != nil {
		return 0, err
	}
	if _, err := p.jobs.GetJob(ctx, job.FileID); err != nil {
		return 0, err
	}

	source := core.Source{FileID: job.FileID, Filename: job.Filename}
	err = retry.WithBackoff(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		_, err := p.store.InsertAt(callCtx, job.UserID, gen, kept, source)
		return err
	}, p.maxAttempts, p.baseDelay,
		retry.If(core.Retryable),
		retry.OnRetry(func(attempt int, err error) {
			p.logger.Warn("insert failed, retrying",
				"file_id", job.FileID, "user_id", job.UserID, "attempt", attempt, "error_class", core.Classify(err))
		}))
	if err != nil {
		return 0, err
	}
	return len(kept), nil
}

// complete records the outcome and removes the encrypted payload.
func (p *Pipeline) complete(ctx context.Context, job *core.Job, count int, cause error) {
	logger := p.logger.With("file_id", job.FileID, "user_id", job.UserID)

	job.Blob = core.EncryptedBlob{}
	if cause != nil {
		job.Status = core.JobStatusFailed
		job.ChunkCount = 0
		job.FailureReason = core.Classify(cause)
		logger.Error("ingestion failed", "error_class", job.FailureReason, "err", cause)
	} else {
		job.Status = core.JobStatusCompleted
		job.ChunkCount = count
		job.FailureReason = ""
		logger.Info("ingestion completed", "chunks", count)
	}

	if err := p.jobs.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("job deleted before completion")
			return
		}
		logger.Error("error recording job outcome", "err", err)
	}
}
