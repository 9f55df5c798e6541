package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestChunkID(t *testing.T) {
	tests := []struct {
		name     string
		userA    string
		fileA    string
		indexA   int
		userB    string
		fileB    string
		indexB   int
		wantSame bool
	}{
		{"same inputs produce same ID", "user_1", "file-1", 0, "user_1", "file-1", 0, true},
		{"different index", "user_1", "file-1", 0, "user_1", "file-1", 1, false},
		{"different file", "user_1", "file-1", 0, "user_1", "file-2", 0, false},
		{"different user", "user_1", "file-1", 0, "user_2", "file-1", 0, false},
		{"separator prevents aliasing", "ab", "c", 0, "a", "bc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ChunkID(tt.userA, tt.fileA, tt.indexA)
			b := ChunkID(tt.userB, tt.fileB, tt.indexB)
			if tt.wantSame && a != b {
				t.Errorf("expected identical IDs, got %s and %s", a, b)
			}
			if !tt.wantSame && a == b {
				t.Errorf("expected different IDs, both were %s", a)
			}
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		name     string
		finished bool
	}{
		{JobStatusPending, "pending", false},
		{JobStatusProcessing, "processing", false},
		{JobStatusCompleted, "completed", true},
		{JobStatusFailed, "failed", true},
		{JobStatus(0), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.status.Finished(); got != tt.finished {
				t.Errorf("Finished() = %v, want %v", got, tt.finished)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: bad k", ErrInput), "InputError"},
		{fmt.Errorf("%w: no key", ErrConfiguration), "ConfigurationError"},
		{fmt.Errorf("%w: tag mismatch", ErrDecryption), "DecryptionError"},
		{fmt.Errorf("wrapped: %w", fmt.Errorf("%w: index", ErrStorage)), "StorageError"},
		{fmt.Errorf("%w: timeout", ErrGeneration), "GenerationError"},
		{errors.New("boom"), "InternalError"},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("%w: down", ErrStorage)) {
		t.Error("storage errors should be retryable")
	}
	if Retryable(fmt.Errorf("%w: tampered", ErrDecryption)) {
		t.Error("decryption errors should not be retryable")
	}
	if Retryable(fmt.Errorf("%w: bad", ErrInput)) {
		t.Error("input errors should not be retryable")
	}
}
