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


// Package storage provides the storage abstraction layer for neurosim.
//
// This package defines repository interfaces that decouple storage implementation
// from the RAG core. Two repositories exist:
//
//   - ChunkRepository: per-user partitions of embedded chunks
//   - JobRepository: the durable ingestion queue
//
// # Namespace Isolation
//
// Every ChunkRepository method takes the owning user ID as a mandatory argument.
// Implementations derive a physical key prefix from the user ID and bound every
// scan to it, so a caller cannot forget a filter: there is no method that reads
// across users. Records decoded from a partition are checked against their stored
// owner and dropped on mismatch.
//
// # Usage
//
// Create repositories backed by BadgerDB:
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	chunks, err := badger.NewChunkRepository(backend, badger.WithRetention(90*24*time.Hour))
//	jobs := badger.NewJobRepository(backend)
//
// Use in tests with in-memory storage:
//
//	chunks, jobs, backend, err := badger.NewMemoryRepositories()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
