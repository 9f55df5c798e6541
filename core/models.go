package core

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// chunkNamespace seeds deterministic chunk IDs. Changing it orphans every stored chunk.
var chunkNamespace = uuid.MustParse("6f0b6d2e-4b0e-5d8a-9a51-1c3a7d0e2f44")

// ChunkID returns the deterministic identifier of the index-th chunk of a file.
// Re-ingesting the same file for the same user yields the same IDs.
func ChunkID(userID, fileID string, index int) uuid.UUID {
	name := make([]byte, 0, len(userID)+len(fileID)+10)
	name = append(name, userID...)
	name = append(name, 0)
	name = append(name, fileID...)
	name = append(name, 0)
	name = binary.BigEndian.AppendUint64(name, uint64(index))
	return uuid.NewSHA1(chunkNamespace, name)
}

// ChunkCandidate is a segment of source text produced by the chunker,
// not yet embedded or owned by a user.
type ChunkCandidate struct {
	Text    string
	Offset  int // Start position in the source text, in characters
	Length  int // Length in characters
	Overlap int // Leading characters shared with the previous candidate
}

// Source describes the document a set of candidates came from.
type Source struct {
	FileID   string
	Filename string
}

// ChunkMetadata records provenance of a stored chunk.
type ChunkMetadata struct {
	SourceFilename string
	FileID         string
	Index          int
	Offset         int
	Length         int
	CreatedAt      time.Time
}

// Chunk is a bounded segment of a user's text plus its embedding.
// Chunks are immutable once stored.
type Chunk struct {
	ID        uuid.UUID
	UserID    string
	Text      string
	Embedding []float32
	Metadata  ChunkMetadata
}

// SearchResult is a chunk paired with its similarity to a query.
type SearchResult struct {
	Chunk *Chunk
	Score float32
}

// EncryptedBlob holds authenticated ciphertext and the nonce used to produce it.
type EncryptedBlob struct {
	Ciphertext []byte
	Nonce      []byte
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus int

const (
	JobStatusPending JobStatus = iota + 1
	JobStatusProcessing
	JobStatusCompleted
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "pending"
	case JobStatusProcessing:
		return "processing"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a durable unit of ingestion work for one uploaded file.
// Blob is cleared once the job finishes.
type Job struct {
	FileID        string
	UserID        string
	Filename      string
	Blob          EncryptedBlob
	Status        JobStatus
	Attempts      int
	ChunkCount    int
	FailureReason string    // Error class only, never error text
	CreatedAt     time.Time // When the job was enqueued
	UpdatedAt     time.Time // When the job last changed state
}
