package vectorstore

import "errors"

var (
	// ErrRepositoryRequired is returned when no chunk repository is provided.
	ErrRepositoryRequired = errors.New("chunk repository required")

	// ErrEmbedderRequired is returned when no embedder is provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrEmbeddingCount is returned when the embedder returns a different number of vectors than texts.
	ErrEmbeddingCount = errors.New("embedder returned wrong number of vectors")
)
