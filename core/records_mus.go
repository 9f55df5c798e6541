package core

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// Binary codecs for persisted records. Field order is the wire order;
// append new fields at the end of a struct codec only.

var (
	errTruncatedRecord = errors.New("truncated record")
	errNegativeLength  = errors.New("negative length")
)

var (
	ChunkMUS         = chunkMUS{}
	ChunkMetadataMUS = chunkMetadataMUS{}
	JobMUS           = jobMUS{}

	uuidMUS     = uuidSer{}
	bytesMUS    = bytesSer{}
	float32sMUS = float32sSer{}
	timeMUS     = timeSer{}
)

type chunkMUS struct{}

func (chunkMUS) Marshal(v Chunk, bs []byte) (n int) {
	n = uuidMUS.Marshal(v.ID, bs)
	n += ord.String.Marshal(v.UserID, bs[n:])
	n += ord.String.Marshal(v.Text, bs[n:])
	n += float32sMUS.Marshal(v.Embedding, bs[n:])
	n += ChunkMetadataMUS.Marshal(v.Metadata, bs[n:])
	return
}

func (chunkMUS) Unmarshal(bs []byte) (v Chunk, n int, err error) {
	var n1 int
	v.ID, n, err = uuidMUS.Unmarshal(bs)
	if err != nil {
		return
	}
	v.UserID, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Text, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Embedding, n1, err = float32sMUS.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Metadata, n1, err = ChunkMetadataMUS.Unmarshal(bs[n:])
	n += n1
	return
}

func (chunkMUS) Size(v Chunk) (size int) {
	size = uuidMUS.Size(v.ID)
	size += ord.String.Size(v.UserID)
	size += ord.String.Size(v.Text)
	size += float32sMUS.Size(v.Embedding)
	return size + ChunkMetadataMUS.Size(v.Metadata)
}

type chunkMetadataMUS struct{}

func (chunkMetadataMUS) Marshal(v ChunkMetadata, bs []byte) (n int) {
	n = ord.String.Marshal(v.SourceFilename, bs)
	n += ord.String.Marshal(v.FileID, bs[n:])
	n += varint.Int.Marshal(v.Index, bs[n:])
	n += varint.Int.Marshal(v.Offset, bs[n:])
	n += varint.Int.Marshal(v.Length, bs[n:])
	n += timeMUS.Marshal(v.CreatedAt, bs[n:])
	return
}

func (chunkMetadataMUS) Unmarshal(bs []byte) (v ChunkMetadata, n int, err error) {
	var n1 int
	v.SourceFilename, n, err = ord.String.Unmarshal(bs)
	if err != nil {
		return
	}
	v.FileID, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Index, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Offset, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Length, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.CreatedAt, n1, err = timeMUS.Unmarshal(bs[n:])
	n += n1
	return
}

func (chunkMetadataMUS) Size(v ChunkMetadata) (size int) {
	size = ord.String.Size(v.SourceFilename)
	size += ord.String.Size(v.FileID)
	size += varint.Int.Size(v.Index)
	size += varint.Int.Size(v.Offset)
	size += varint.Int.Size(v.Length)
	return size + timeMUS.Size(v.CreatedAt)
}

type jobMUS struct{}

func (jobMUS) Marshal(v Job, bs []byte) (n int) {
	n = ord.String.Marshal(v.FileID, bs)
	n += ord.String.Marshal(v.UserID, bs[n:])
	n += ord.String.Marshal(v.Filename, bs[n:])
	n += bytesMUS.Marshal(v.Blob.Ciphertext, bs[n:])
	n += bytesMUS.Marshal(v.Blob.Nonce, bs[n:])
	n += varint.Int.Marshal(int(v.Status), bs[n:])
	n += varint.Int.Marshal(v.Attempts, bs[n:])
	n += varint.Int.Marshal(v.ChunkCount, bs[n:])
	n += ord.String.Marshal(v.FailureReason, bs[n:])
	n += timeMUS.Marshal(v.CreatedAt, bs[n:])
	n += timeMUS.Marshal(v.UpdatedAt, bs[n:])
	return
}

func (jobMUS) Unmarshal(bs []byte) (v Job, n int, err error) {
	var (
		n1     int
		status int
	)
	v.FileID, n, err = ord.String.Unmarshal(bs)
	if err != nil {
		return
	}
	v.UserID, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Filename, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Blob.Ciphertext, n1, err = bytesMUS.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Blob.Nonce, n1, err = bytesMUS.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	status, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Status = JobStatus(status)
	v.Attempts, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.ChunkCount, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.FailureReason, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.CreatedAt, n1, err = timeMUS.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.UpdatedAt, n1, err = timeMUS.Unmarshal(bs[n:])
	n += n1
	return
}

func (jobMUS) Size(v Job) (size int) {
	size = ord.String.Size(v.FileID)
	size += ord.String.Size(v.UserID)
	size += ord.String.Size(v.Filename)
	size += bytesMUS.Size(v.Blob.Ciphertext)
	size += bytesMUS.Size(v.Blob.Nonce)
	size += varint.Int.Size(int(v.Status))
	size += varint.Int.Size(v.Attempts)
	size += varint.Int.Size(v.ChunkCount)
	size += ord.String.Size(v.FailureReason)
	size += timeMUS.Size(v.CreatedAt)
	return size + timeMUS.Size(v.UpdatedAt)
}

// uuidSer writes the 16 raw bytes of a UUID.
type uuidSer struct{}

func (uuidSer) Marshal(v uuid.UUID, bs []byte) (n int) {
	return copy(bs, v[:])
}

func (uuidSer) Unmarshal(bs []byte) (v uuid.UUID, n int, err error) {
	if len(bs) < len(v) {
		return v, 0, errTruncatedRecord
	}
	n = copy(v[:], bs)
	return
}

func (uuidSer) Size(v uuid.UUID) int {
	return len(v)
}

// bytesSer writes a varint length followed by the bytes.
type bytesSer struct{}

func (bytesSer) Marshal(v []byte, bs []byte) (n int) {
	n = varint.Int.Marshal(len(v), bs)
	return n + copy(bs[n:], v)
}

func (bytesSer) Unmarshal(bs []byte) (v []byte, n int, err error) {
	length, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return nil, n, err
	}
	if length < 0 {
		return nil, n, errNegativeLength
	}
	if len(bs)-n < length {
		return nil, n, errTruncatedRecord
	}
	v = make([]byte, length)
	n += copy(v, bs[n:n+length])
	return v, n, nil
}

func (bytesSer) Size(v []byte) int {
	return varint.Int.Size(len(v)) + len(v)
}

// float32sSer writes a varint length followed by fixed-width floats.
type float32sSer struct{}

func (float32sSer) Marshal(v []float32, bs []byte) (n int) {
	n = varint.Int.Marshal(len(v), bs)
	for _, f := range v {
		n += raw.Float32.Marshal(f, bs[n:])
	}
	return
}

func (float32sSer) Unmarshal(bs []byte) (v []float32, n int, err error) {
	length, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return nil, n, err
	}
	if length < 0 {
		return nil, n, errNegativeLength
	}
	if length == 0 {
		return nil, n, nil
	}
	// Four bytes per element; reject before allocating.
	if (len(bs)-n)/4 < length {
		return nil, n, errTruncatedRecord
	}
	v = make([]float32, length)
	var n1 int
	for i := range v {
		v[i], n1, err = raw.Float32.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return nil, n, err
		}
	}
	return v, n, nil
}

func (float32sSer) Size(v []float32) (size int) {
	size = varint.Int.Size(len(v))
	for _, f := range v {
		size += raw.Float32.Size(f)
	}
	return
}

// timeSer stores UTC Unix microseconds.
type timeSer struct{}

func (timeSer) Marshal(v time.Time, bs []byte) (n int) {
	return varint.Int64.Marshal(v.UnixMicro(), bs)
}

func (timeSer) Unmarshal(bs []byte) (v time.Time, n int, err error) {
	micros, n, err := varint.Int64.Unmarshal(bs)
	if err != nil {
		return
	}
	return time.UnixMicro(micros).UTC(), n, nil
}

func (timeSer) Size(v time.Time) int {
	return varint.Int64.Size(v.UnixMicro())
}
