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


package core

import "errors"

// Error classes. Callers wrap these with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrInput indicates a malformed request or invalid parameters. Never retried.
	ErrInput = errors.New("invalid input")

	// ErrConfiguration indicates missing or invalid configuration such as an unresolvable key.
	ErrConfiguration = errors.New("configuration error")

	// ErrDecryption indicates tampered ciphertext or the wrong key.
	ErrDecryption = errors.New("decryption failed")

	// ErrStorage indicates the embedding provider or the index is unavailable.
	ErrStorage = errors.New("storage unavailable")

	// ErrGeneration indicates the language model failed or timed out.
	ErrGeneration = errors.New("generation failed")
)

// Domain validation errors
var (
	// ErrEmptyUserID indicates a missing namespace key.
	ErrEmptyUserID = errors.New("user id cannot be empty")

	// ErrEmptyContent indicates the text field is empty.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrInvalidChunkSize indicates chunking parameters violate maxSize > overlap >= 0.
	ErrInvalidChunkSize = errors.New("chunk size must exceed overlap and overlap must not be negative")

	// ErrInvalidLimit indicates a non-positive result limit.
	ErrInvalidLimit = errors.New("limit must be greater than 0")

	// ErrInvalidEmbedding indicates a chunk without an embedding vector.
	ErrInvalidEmbedding = errors.New("embedding cannot be empty")
)

// Classify returns the name of the error class err belongs to, for logging.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "InputError"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrDecryption):
		return "DecryptionError"
	case errors.Is(err, ErrStorage):
		return "StorageError"
	case errors.Is(err, ErrGeneration):
		return "GenerationError"
	default:
		return "InternalError"
	}
}

// Retryable reports whether an operation that failed with err may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
