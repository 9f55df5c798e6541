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


// Package vectorstore stores embedded chunks per user and answers similarity
// queries within a single user's namespace.
//
// Store combines an ai.Embedder with a storage.ChunkRepository. Vectors are
// normalized to unit length before they are persisted and before they are
// compared, so the repository's dot product is the cosine similarity.
//
// Every operation requires a user ID. There is no way to search or delete
// across namespaces.
//
// Failures of the embedder or the repository are reported as core.ErrStorage.
// Invalid arguments are reported as core.ErrInput.
package vectorstore
