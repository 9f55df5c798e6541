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


package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/poiesic/neurosim/core"
)

// MarshalChunk serializes a Chunk to bytes.
func MarshalChunk(chunk *core.Chunk) []byte {
	buf := make([]byte, core.ChunkMUS.Size(*chunk))
	core.ChunkMUS.Marshal(*chunk, buf)
	return buf
}

// UnmarshalChunk deserializes a Chunk from bytes.
func UnmarshalChunk(data []byte) (*core.Chunk, error) {
	chunk, _, err := core.ChunkMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk: %w", ErrSerializationFailed, err)
	}
	return &chunk, nil
}

// MarshalJob serializes a Job to bytes.
func MarshalJob(job *core.Job) []byte {
	buf := make([]byte, core.JobMUS.Size(*job))
	core.JobMUS.Marshal(*job, buf)
	return buf
}

// UnmarshalJob deserializes a Job from bytes.
func UnmarshalJob(data []byte) (*core.Job, error) {
	job, _, err := core.JobMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: job: %w", ErrSerializationFailed, err)
	}
	return &job, nil
}

// MarshalGeneration serializes a namespace generation counter.
func MarshalGeneration(gen uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, gen)
}

// UnmarshalGeneration deserializes a namespace generation counter.
func UnmarshalGeneration(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: generation has %d bytes", ErrSerializationFailed, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// MarshalTimestamp serializes a point in time with nanosecond precision.
func MarshalTimestamp(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

// UnmarshalTimestamp deserializes a point in time written by MarshalTimestamp.
func UnmarshalTimestamp(data []byte) (time.Time, error) {
	if len(data) != 8 {
		return time.Time{}, fmt.Errorf("%w: timestamp has %d bytes", ErrSerializationFailed, len(data))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(data))).UTC(), nil
}
