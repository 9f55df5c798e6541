package ingestion

import "errors"

var (
	// ErrJobRepositoryRequired is returned when a job repository is not provided.
	ErrJobRepositoryRequired = errors.New("job repository required")

	// ErrStoreRequired is returned when a vector store is not provided.
	ErrStoreRequired = errors.New("vector store required")

	// ErrDecrypterRequired is returned when a decrypter is not provided.
	ErrDecrypterRequired = errors.New("decrypter required")

	// ErrPipelineReleased is returned by Submit and Resume after Release.
	ErrPipelineReleased = errors.New("pipeline released")

	// ErrFileOwnedByOtherUser is returned when a file ID is reused by a different user.
	ErrFileOwnedByOtherUser = errors.New("file id belongs to another user")
)
