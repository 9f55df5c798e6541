package storage

import (
	"testing"
	"time"

	"github.com/poiesic/neurosim/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalChunk(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name  string
		chunk *core.Chunk
	}{
		{
			name: "full chunk",
			chunk: &core.Chunk{
				ID:        core.ChunkID("user_1", "file-1", 0),
				UserID:    "user_1",
				Text:      "I grew up near the sea.",
				Embedding: []float32{0.6, 0.8, 0},
				Metadata: core.ChunkMetadata{
					SourceFilename: "journal.txt",
					FileID:         "file-1",
					Index:          0,
					Offset:         0,
					Length:         23,
					CreatedAt:      now,
				},
			},
		},
		{
			name: "unicode text and later index",
			chunk: &core.Chunk{
				ID:        core.ChunkID("пользователь", "file-2", 41),
				UserID:    "пользователь",
				Text:      "Я люблю море… 🌊",
				Embedding: []float32{-1, 0.25},
				Metadata: core.ChunkMetadata{
					SourceFilename: "заметки.md",
					FileID:         "file-2",
					Index:          41,
					Offset:         12000,
					Length:         15,
					CreatedAt:      now,
				},
			},
		},
		{
			name:  "zero values",
			chunk: &core.Chunk{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := MarshalChunk(tt.chunk)
			require.NotEmpty(t, data)

			decoded, err := UnmarshalChunk(data)
			require.NoError(t, err)
			assert.Equal(t, tt.chunk, decoded)
		})
	}
}

func TestMarshalUnmarshalJob(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name string
		job  *core.Job
	}{
		{
			name: "pending with blob",
			job: &core.Job{
				FileID:   "0b5c3a8e-6e55-4c2f-9a57-1d7a1b0b8c11",
				UserID:   "user_1",
				Filename: "diary.txt",
				Blob: core.EncryptedBlob{
					Ciphertext: []byte{1, 2, 3, 4, 5},
					Nonce:      make([]byte, 24),
				},
				Status:    core.JobStatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name: "failed without blob",
			job: &core.Job{
				FileID:        "file-2",
				UserID:        "user_2",
				Filename:      "notes.md",
				Status:        core.JobStatusFailed,
				Attempts:      5,
				FailureReason: "StorageError",
				CreatedAt:     now.Add(-time.Hour),
				UpdatedAt:     now,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := UnmarshalJob(MarshalJob(tt.job))
			require.NoError(t, err)
			assert.Equal(t, tt.job.FileID, decoded.FileID)
			assert.Equal(t, tt.job.UserID, decoded.UserID)
			assert.Equal(t, tt.job.Filename, decoded.Filename)
			assert.Equal(t, tt.job.Status, decoded.Status)
			assert.Equal(t, tt.job.Attempts, decoded.Attempts)
			assert.Equal(t, tt.job.FailureReason, decoded.FailureReason)
			assert.Equal(t, len(tt.job.Blob.Ciphertext), len(decoded.Blob.Ciphertext))
			assert.Equal(t, tt.job.CreatedAt, decoded.CreatedAt)
			assert.Equal(t, tt.job.UpdatedAt, decoded.UpdatedAt)
		})
	}
}

func TestUnmarshalChunk_Truncated(t *testing.T) {
	data := MarshalChunk(&core.Chunk{
		ID:        core.ChunkID("u", "f", 0),
		UserID:    "u",
		Text:      "some text",
		Embedding: []float32{1, 2, 3},
	})

	for _, cut := range []int{0, 8, 20, len(data) - 1} {
		_, err := UnmarshalChunk(data[:cut])
		assert.ErrorIs(t, err, ErrSerializationFailed, "cut at %d", cut)
	}
}

func TestMarshalUnmarshalGeneration(t *testing.T) {
	for _, gen := range []uint64{0, 1, 1 << 40} {
		decoded, err := UnmarshalGeneration(MarshalGeneration(gen))
		require.NoError(t, err)
		assert.Equal(t, gen, decoded)
	}

	_, err := UnmarshalGeneration([]byte{1, 2})
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestMarshalUnmarshalTimestamp(t *testing.T) {
	stamp := time.Date(2025, 3, 14, 15, 9, 26, 535897932, time.UTC)
	decoded, err := UnmarshalTimestamp(MarshalTimestamp(stamp))
	require.NoError(t, err)
	assert.True(t, stamp.Equal(decoded))

	_, err = UnmarshalTimestamp(nil)
	assert.ErrorIs(t, err, ErrSerializationFailed)
}
