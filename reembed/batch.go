package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/retry"
	"github.com/poiesic/neurosim/storage"
	"github.com/poiesic/neurosim/vectorstore"
)

// BatchProcessor re-embeds one batch of chunks from a single namespace.
type BatchProcessor struct {
	repo           storage.ChunkRepository
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a processor that tries each embedding call up to maxRetries times.
func NewBatchProcessor(repo storage.ChunkRepository, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		repo:           repo,
		embedder:       embedder,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds the chunks' text and replaces their vectors.
// Returns the number of chunks updated, which is lower than len(chunks)
// when some were deleted concurrently.
func (bp *BatchProcessor) Process(ctx context.Context, userID string, chunks []*core.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	var embeddings [][]float32
	err := retry.WithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrEmbeddingCountMismatch, len(chunks), len(embeddings))
	}

	updates := make(map[uuid.UUID][]float32, len(chunks))
	for i, chunk := range chunks {
		updates[chunk.ID] = vectorstore.NormalizeVector(embeddings[i])
	}

	updated, err := bp.repo.UpdateEmbeddings(ctx, userID, updates)
	if err != nil {
		return 0, fmt.Errorf("failed to update chunks: %w", err)
	}
	return updated, nil
}
