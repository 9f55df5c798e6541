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

import (
	"fmt"
	"strings"
)

// ValidateUserID checks that a namespace key is present.
// Whitespace-only IDs are rejected so that "" and " " never alias.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: %w", ErrInput, ErrEmptyUserID)
	}
	return nil
}

// ValidateChunkParams checks maxSize > overlap >= 0.
func ValidateChunkParams(maxSize, overlap int) error {
	if overlap < 0 || maxSize <= overlap {
		return fmt.Errorf("%w: %w (maxSize=%d, overlap=%d)", ErrInput, ErrInvalidChunkSize, maxSize, overlap)
	}
	return nil
}

// ValidateLimit checks that a result limit is positive.
func ValidateLimit(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: %w (k=%d)", ErrInput, ErrInvalidLimit, k)
	}
	return nil
}

// ValidateChunk validates a Chunk before it is persisted.
//
// Validation rules:
//   - UserID must not be empty
//   - Text must not be empty
//   - Embedding must not be empty
//
// NOT validated:
//   - ID (assigned by the vector store)
//   - Metadata (provenance only)
func ValidateChunk(chunk *Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: chunk is nil", ErrInput)
	}
	if err := ValidateUserID(chunk.UserID); err != nil {
		return err
	}
	if chunk.Text == "" {
		return fmt.Errorf("%w: %w", ErrInput, ErrEmptyContent)
	}
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("%w: %w", ErrInput, ErrInvalidEmbedding)
	}
	return nil
}
