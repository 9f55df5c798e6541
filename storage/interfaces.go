package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/neurosim/core"
)

// ChunkRepository stores chunks partitioned by user.
// Every method that touches chunk data takes the owning userID; implementations
// must bound every read and write to that user's partition.
// Implementations must be thread-safe and support concurrent access.
type ChunkRepository interface {
	// AddChunks persists chunks in the user's partition as one atomic unit.
	// Either every chunk becomes visible or none does, whatever the number of chunks.
	// Chunks whose UserID differs from userID are rejected with core.ErrInput.
	// Sets CreatedAt if not already set. Existing chunks with the same ID are replaced.
	AddChunks(ctx context.Context, userID string, chunks ...*core.Chunk) ([]*core.Chunk, error)

	// AddChunksAt is AddChunks fenced on a generation previously returned by
	// Generation. It fails with ErrNamespaceDeleted, storing nothing, once
	// DeleteUser has run for the user since that generation was read.
	AddChunksAt(ctx context.Context, userID string, generation uint64, chunks ...*core.Chunk) ([]*core.Chunk, error)

	// Generation returns the user's current partition generation.
	// It changes every time DeleteUser runs and never goes back.
	Generation(ctx context.Context, userID string) (uint64, error)

	// FindSimilar returns up to limit chunks of the user ordered by similarity
	// to vector (highest first). Vectors are expected to be unit length.
	// Returns an empty slice when the user has no chunks.
	FindSimilar(ctx context.Context, userID string, vector []float32, limit int) ([]*core.SearchResult, error)

	// GetChunks returns the user's chunks in key order, starting after the
	// given ID (uuid.Nil starts from the beginning), up to limit.
	GetChunks(ctx context.Context, userID string, after uuid.UUID, limit int) ([]*core.Chunk, error)

	// UpdateEmbeddings replaces the embedding of existing chunks, keyed by chunk ID.
	// IDs no longer present (deleted concurrently) are skipped.
	// Returns the number of chunks updated.
	UpdateEmbeddings(ctx context.Context, userID string, embeddings map[uuid.UUID][]float32) (int, error)

	// CountChunks returns the number of visible chunks in the user's partition.
	CountChunks(ctx context.Context, userID string) (int, error)

	// DeleteUser removes every chunk in the user's partition and returns the count.
	// Once DeleteUser returns, no search observes the removed chunks. Inserts for the
	// same user are serialized against the delete.
	DeleteUser(ctx context.Context, userID string) (int, error)

	// PurgeExpired removes the user's chunks created before cutoff and any leftovers
	// of interrupted deletes. Returns the number of chunks removed.
	PurgeExpired(ctx context.Context, userID string, cutoff time.Time) (int, error)

	// PurgeDeleted removes chunks left behind by deletes whose cleanup was
	// interrupted, in partitions with no registered user. Returns the count.
	PurgeDeleted(ctx context.Context) (int, error)

	// Users lists users that stored chunks and have not been deleted since.
	Users(ctx context.Context) ([]string, error)

	// Close releases resources held by the repository.
	Close() error
}

// JobRepository is a durable queue of ingestion jobs keyed by file ID.
type JobRepository interface {
	// EnqueueJob stores a new job. Returns ErrDuplicateKey if the file ID exists.
	EnqueueJob(ctx context.Context, job *core.Job) error

	// GetJob retrieves a job by file ID, including its payload.
	// Returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, fileID string) (*core.Job, error)

	// UpdateJob replaces a stored job and refreshes UpdatedAt. A payload with a
	// new nonce replaces the stored one; an empty payload removes it.
	// Returns ErrNotFound if the job doesn't exist.
	UpdateJob(ctx context.Context, job *core.Job) error

	// UnfinishedJobs returns jobs that are pending or processing, oldest first,
	// without their payloads.
	UnfinishedJobs(ctx context.Context) ([]*core.Job, error)

	// DeleteUserJobs removes every job belonging to the user. Returns the count.
	DeleteUserJobs(ctx context.Context, userID string) (int, error)

	// PurgeFinishedJobs removes finished jobs last updated before cutoff. Returns the count.
	PurgeFinishedJobs(ctx context.Context, cutoff time.Time) (int, error)
}
