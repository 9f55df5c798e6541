package badger

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

// blobPartSize bounds each stored payload part, well under the value size
// badger accepts in memory and the size of one transaction.
const blobPartSize = 256 << 10

// JobRepository implements storage.JobRepository for BadgerDB.
//
// The job record holds everything but the ciphertext, which is split into
// parts keyed by file ID and nonce. Parts are written before the record that
// references them and removed after it stops referencing them.
type JobRepository struct {
	backend *Backend
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) *JobRepository {
	return &JobRepository{
		backend: backend,
	}
}

// EnqueueJob stores a new job keyed by its file ID.
func (r *JobRepository) EnqueueJob(ctx context.Context, job *core.Job) error {
	if job.FileID == "" {
		return storage.ErrInvalidQuery
	}
	key := makeJobKey(job.FileID)
	if _, err := r.loadRecord(key); err == nil {
		return storage.ErrDuplicateKey
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if err := r.writeBlob(ctx, job.FileID, job.Blob); err != nil {
		r.dropBlob(job.FileID, job.Blob.Nonce)
		return err
	}

	var winner *core.Job
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		existing, err := readRecord(tx, key)
		if err == nil {
			winner = existing
			return storage.ErrDuplicateKey
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		if err := tx.Set(key, marshalRecord(job)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil && (winner == nil || !bytes.Equal(winner.Blob.Nonce, job.Blob.Nonce)) {
		r.dropBlob(job.FileID, job.Blob.Nonce)
	}
	return err
}

// GetJob retrieves a job and its payload by file ID.
func (r *JobRepository) GetJob(ctx context.Context, fileID string) (*core.Job, error) {
	var job *core.Job
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readRecord(tx, makeJobKey(fileID))
		if err != nil {
			return err
		}
		job.Blob.Ciphertext, err = readBlob(tx, fileID, job.Blob.Nonce)
		return err
	}, false)
	return job, err
}

// UpdateJob replaces an existing job. A payload whose nonce differs from the
// stored one is written first; the payload it replaces is removed afterwards.
func (r *JobRepository) UpdateJob(ctx context.Context, job *core.Job) error {
	key := makeJobKey(job.FileID)
	stored, err := r.loadRecord(key)
	if err != nil {
		return err
	}
	replaced := !bytes.Equal(stored.Blob.Nonce, job.Blob.Nonce)
	if replaced && len(job.Blob.Nonce) > 0 {
		if err := r.writeBlob(ctx, job.FileID, job.Blob); err != nil {
			r.dropBlob(job.FileID, job.Blob.Nonce)
			return err
		}
	}

	err = r.backend.WithTx(func(tx *badger.Txn) error {
		if _, err := tx.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		if err := tx.Set(key, marshalRecord(job)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		if replaced {
			r.dropBlob(job.FileID, job.Blob.Nonce)
		}
		return err
	}
	if replaced {
		r.dropBlob(job.FileID, stored.Blob.Nonce)
	}
	return nil
}

// UnfinishedJobs returns pending and processing jobs, oldest first.
func (r *JobRepository) UnfinishedJobs(ctx context.Context) ([]*core.Job, error) {
	jobs, err := r.collect(ctx, func(job *core.Job) bool {
		return !job.Status.Finished()
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(jobs, func(a, b *core.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}

// DeleteUserJobs removes every job owned by userID.
func (r *JobRepository) DeleteUserJobs(ctx context.Context, userID string) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	return r.deleteWhere(ctx, func(job *core.Job) bool {
		return job.UserID == userID
	})
}

// PurgeFinishedJobs removes finished jobs last updated before cutoff.
func (r *JobRepository) PurgeFinishedJobs(ctx context.Context, cutoff time.Time) (int, error) {
	return r.deleteWhere(ctx, func(job *core.Job) bool {
		return job.Status.Finished() && job.UpdatedAt.Before(cutoff)
	})
}

func (r *JobRepository) collect(ctx context.Context, match func(*core.Job) bool) ([]*core.Job, error) {
	var jobs []*core.Job
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(jobPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var job *core.Job
			err := iter.Item().Value(func(val []byte) error {
				var err error
				job, err = storage.UnmarshalJob(val)
				return err
			})
			if err != nil {
				return err
			}
			job.Blob = core.EncryptedBlob{}
			if match(job) {
				jobs = append(jobs, job)
			}
		}
		return nil
	}, false)
	return jobs, err
}

// deleteWhere removes matching jobs and all of their payload parts.
func (r *JobRepository) deleteWhere(ctx context.Context, match func(*core.Job) bool) (int, error) {
	jobs, err := r.collect(ctx, match)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}
	deleted := 0
	for batch := range slices.Chunk(jobs, purgeBatchSize) {
		var keys [][]byte
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			for _, job := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				keys = append(keys, makeJobKey(job.FileID))
				parts, err := listKeys(tx, makeJobBlobsPrefix(job.FileID))
				if err != nil {
					return err
				}
				keys = append(keys, parts...)
			}
			return nil
		}, false)
		if err != nil {
			return deleted, err
		}
		if _, err := r.backend.deleteKeys(keys); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (r *JobRepository) loadRecord(key []byte) (*core.Job, error) {
	var job *core.Job
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readRecord(tx, key)
		return err
	}, false)
	return job, err
}

// writeBlob stores the ciphertext in parts of at most blobPartSize bytes.
func (r *JobRepository) writeBlob(ctx context.Context, fileID string, blob core.EncryptedBlob) error {
	if len(blob.Nonce) == 0 {
		return nil
	}
	return r.backend.WithBatch(func(wb *badger.WriteBatch) error {
		var part uint32
		for data := range slices.Chunk(blob.Ciphertext, blobPartSize) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := wb.Set(makeJobBlobKey(fileID, blob.Nonce, part), data); err != nil {
				return err
			}
			part++
		}
		return nil
	})
}

// dropBlob removes the parts of one payload. Failures leave unreferenced
// parts that the next delete of the job removes.
func (r *JobRepository) dropBlob(fileID string, nonce []byte) {
	if len(nonce) == 0 {
		return
	}
	var keys [][]byte
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		keys, err = listKeys(tx, makeJobBlobPrefix(fileID, nonce))
		return err
	}, false)
	if err == nil {
		_, err = r.backend.deleteKeys(keys)
	}
	if err != nil {
		r.backend.logger.Warn("failed to remove job payload", "file_id", fileID, "err", err)
	}
}

// marshalRecord serializes a job without its ciphertext.
func marshalRecord(job *core.Job) []byte {
	record := *job
	record.Blob.Ciphertext = nil
	return storage.MarshalJob(&record)
}

func readRecord(tx *badger.Txn, key []byte) (*core.Job, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var job *core.Job
	err = item.Value(func(val []byte) error {
		var err error
		job, err = storage.UnmarshalJob(val)
		return err
	})
	return job, err
}

// readBlob reassembles a payload from its parts in key order.
func readBlob(tx *badger.Txn, fileID string, nonce []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, nil
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeJobBlobPrefix(fileID, nonce)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var out []byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		err := iter.Item().Value(func(val []byte) error {
			out = append(out, val...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
