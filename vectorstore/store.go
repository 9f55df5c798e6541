package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/poiesic/neurosim/ai"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

// Store embeds chunk candidates and keeps them in per-user namespaces.
type Store struct {
	repository storage.ChunkRepository
	embedder   ai.Embedder
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// New creates a Store over repository using embedder for both documents and queries.
func New(repository storage.ChunkRepository, embedder ai.Embedder, opts ...Option) (*Store, error) {
	if repository == nil {
		return nil, ErrRepositoryRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Store{
		repository: repository,
		embedder:   embedder,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "vectorstore")
	return s, nil
}

// Insert embeds candidates in one batch and persists them atomically in the
// user's namespace. Chunk IDs are derived from the user, the source file and
// the candidate's position, so inserting the same file again replaces its chunks.
// Returns the IDs in candidate order.
func (s *Store) Insert(ctx context.Context, userID string, candidates []core.ChunkCandidate, source core.Source) ([]uuid.UUID, error) {
	return s.insert(ctx, userID, nil, candidates, source)
}

// InsertAt is Insert fenced on a generation returned by Generation. Once the
// user's data is deleted after that read it fails with storage.ErrNamespaceDeleted.
func (s *Store) InsertAt(ctx context.Context, userID string, generation uint64, candidates []core.ChunkCandidate, source core.Source) ([]uuid.UUID, error) {
	return s.insert(ctx, userID, &generation, candidates, source)
}

// Generation returns the generation of the user's namespace, for InsertAt.
func (s *Store) Generation(ctx context.Context, userID string) (uint64, error) {
	gen, err := s.repository.Generation(ctx, userID)
	if err != nil {
		return 0, storageError("reading generation", err)
	}
	return gen, nil
}

func (s *Store) insert(ctx context.Context, userID string, generation *uint64, candidates []core.ChunkCandidate, source core.Source) ([]uuid.UUID, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []uuid.UUID{}, nil
	}

	texts := make([]string, len(candidates))
	for i, candidate := range candidates {
		if strings.TrimSpace(candidate.Text) == "" {
			return nil, fmt.Errorf("%w: candidate %d: %w", core.ErrInput, i, core.ErrEmptyContent)
		}
		texts[i] = candidate.Text
	}

	vectors, err := s.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		s.logger.Error("error embedding chunks", "user_id", userID, "file_id", source.FileID, "err", err)
		return nil, fmt.Errorf("%w: embedding chunks: %w", core.ErrStorage, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: %w: got %d for %d texts", core.ErrStorage, ErrEmbeddingCount, len(vectors), len(texts))
	}
	normalizeAll(vectors)

	chunks := make([]*core.Chunk, len(candidates))
	ids := make([]uuid.UUID, len(candidates))
	for i, candidate := range candidates {
		ids[i] = core.ChunkID(userID, source.FileID, i)
		chunks[i] = &core.Chunk{
			ID:        ids[i],
			UserID:    userID,
			Text:      candidate.Text,
			Embedding: vectors[i],
			Metadata: core.ChunkMetadata{
				SourceFilename: source.Filename,
				FileID:         source.FileID,
				Index:          i,
				Offset:         candidate.Offset,
				Length:         candidate.Length,
			},
		}
	}

	if generation != nil {
		_, err = s.repository.AddChunksAt(ctx, userID, *generation, chunks...)
	} else {
		_, err = s.repository.AddChunks(ctx, userID, chunks...)
	}
	if err != nil {
		s.logger.Error("error storing chunks", "user_id", userID, "file_id", source.FileID, "err", err)
		return nil, storageError("storing chunks", err)
	}
	s.logger.Debug("stored chunks", "user_id", userID, "file_id", source.FileID, "count", len(chunks))
	return ids, nil
}

// SimilaritySearch returns up to k chunks from the user's namespace ordered by
// descending cosine similarity to query. An empty namespace yields an empty slice.
func (s *Store) SimilaritySearch(ctx context.Context, userID, query string, k int) ([]*core.SearchResult, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := core.ValidateLimit(k); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query: %w", core.ErrInput, core.ErrEmptyContent)
	}

	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "user_id", userID, "err", err)
		return nil, fmt.Errorf("%w: embedding query: %w", core.ErrStorage, err)
	}

	results, err := s.repository.FindSimilar(ctx, userID, NormalizeVector(vector), k)
	if err != nil {
		s.logger.Error("error querying for similar chunks", "user_id", userID, "err", err)
		return nil, storageError("searching chunks", err)
	}
	return results, nil
}

// DeleteUser removes every chunk in the user's namespace and returns how many were removed.
// Once it returns, no search observes the deleted chunks.
func (s *Store) DeleteUser(ctx context.Context, userID string) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	count, err := s.repository.DeleteUser(ctx, userID)
	if err != nil {
		s.logger.Error("error deleting user data", "user_id", userID, "err", err)
		return 0, storageError("deleting chunks", err)
	}
	s.logger.Info("deleted user data", "user_id", userID, "chunks", count)
	return count, nil
}

// Count returns the number of chunks in the user's namespace.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	count, err := s.repository.CountChunks(ctx, userID)
	if err != nil {
		return 0, storageError("counting chunks", err)
	}
	return count, nil
}

// storageError reports repository failures as core.ErrStorage. Input errors
// pass through, oversize writes become input errors and fenced writes keep
// their own sentinel, so none of them is retried.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrInput):
		return err
	case errors.Is(err, storage.ErrTooLarge):
		return fmt.Errorf("%w: %s: %w", core.ErrInput, op, err)
	case errors.Is(err, storage.ErrNamespaceDeleted):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", core.ErrStorage, op, err)
}
