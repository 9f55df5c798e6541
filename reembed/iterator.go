package reembed

import (
	"context"

	"github.com/google/uuid"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

const (
	// DefaultBatchSize is the default number of chunks to fetch in each batch
	DefaultBatchSize = 100
)

// ChunkIterator pages through the chunks of every namespace.
type ChunkIterator struct {
	repo      storage.ChunkRepository
	batchSize int
}

// NewChunkIterator creates an iterator. A non-positive batchSize uses DefaultBatchSize.
func NewChunkIterator(repo storage.ChunkRepository, batchSize int) *ChunkIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &ChunkIterator{
		repo:      repo,
		batchSize: batchSize,
	}
}

// ForEach calls fn with each batch of chunks. A batch never mixes namespaces.
// Iteration stops at the first error returned by fn or the repository.
func (it *ChunkIterator) ForEach(ctx context.Context, fn func(userID string, chunks []*core.Chunk) error) error {
	users, err := it.repo.Users(ctx)
	if err != nil {
		return err
	}

	for _, userID := range users {
		after := uuid.Nil
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch, err := it.repo.GetChunks(ctx, userID, after, it.batchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}

			if err := fn(userID, batch); err != nil {
				return err
			}
			if len(batch) < it.batchSize {
				break
			}
			after = batch[len(batch)-1].ID
		}
	}
	return nil
}
