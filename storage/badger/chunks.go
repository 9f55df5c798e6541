package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

const purgeBatchSize = 1000

// ChunkRepository implements storage.ChunkRepository for BadgerDB.
//
// Each user owns a key partition chk:<hash>:<generation>. Searches read the
// namespace generation and scan only the current generation's prefix inside
// one snapshot. Deleting a user bumps the generation, which hides every
// existing chunk atomically, then purges the old generation in batches.
type ChunkRepository struct {
	backend   *Backend
	logger    *slog.Logger
	retention time.Duration
}

var _ storage.ChunkRepository = (*ChunkRepository)(nil)

// ChunkOption configures a ChunkRepository.
type ChunkOption func(*ChunkRepository) error

// WithRetention writes chunks with a time-to-live so Badger expires them
// even if no sweep runs. Zero disables expiry.
func WithRetention(ttl time.Duration) ChunkOption {
	return func(r *ChunkRepository) error {
		if ttl < 0 {
			return fmt.Errorf("retention must not be negative: %s", ttl)
		}
		r.retention = ttl
		return nil
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) ChunkOption {
	return func(r *ChunkRepository) error {
		r.logger = logger
		return nil
	}
}

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend, opts ...ChunkOption) (*ChunkRepository, error) {
	r := &ChunkRepository{
		backend: backend,
		logger:  backend.logger,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("repository", "chunks")
	return r, nil
}

// Close is a no-op; the backend owns the database handle.
func (r *ChunkRepository) Close() error {
	return nil
}

// AddChunks persists chunks in the user's current generation.
func (r *ChunkRepository) AddChunks(ctx context.Context, userID string, chunks ...*core.Chunk) ([]*core.Chunk, error) {
	return r.addChunks(ctx, userID, nil, chunks)
}

// AddChunksAt persists chunks only if generation is still the user's current one.
func (r *ChunkRepository) AddChunksAt(ctx context.Context, userID string, generation uint64, chunks ...*core.Chunk) ([]*core.Chunk, error) {
	return r.addChunks(ctx, userID, &generation, chunks)
}

// Generation returns the user's current generation, zero if never deleted.
func (r *ChunkRepository) Generation(ctx context.Context, userID string) (uint64, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	var gen uint64
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		gen, err = readGeneration(tx, hashNamespace(userID))
		return err
	}, false)
	return gen, err
}

// addChunks marks the chunks' files pending, writes the chunks through a
// write batch and publishes them by removing the markers in one transaction.
// Scans skip chunks of pending files, so a document of any size appears at once.
// On failure the written chunks are removed, including any they replaced.
func (r *ChunkRepository) addChunks(ctx context.Context, userID string, expected *uint64, chunks []*core.Chunk) ([]*core.Chunk, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		if err := core.ValidateChunk(chunk); err != nil {
			return nil, err
		}
		if chunk.UserID != userID {
			return nil, fmt.Errorf("%w: chunk %s belongs to another namespace", core.ErrInput, chunk.ID)
		}
	}
	if len(chunks) == 0 {
		return chunks, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns := hashNamespace(userID)
	unlock := r.backend.locks.lock(ns)
	defer unlock()

	now := time.Now().UTC()
	var markers [][]byte
	seen := make(map[string]bool)
	for _, chunk := range chunks {
		if chunk.ID == uuid.Nil {
			chunk.ID = uuid.New()
		}
		if chunk.Metadata.CreatedAt.IsZero() {
			chunk.Metadata.CreatedAt = now
		}
		if !seen[chunk.Metadata.FileID] {
			seen[chunk.Metadata.FileID] = true
			markers = append(markers, makePendingKey(ns, chunk.Metadata.FileID))
		}
	}

	var gen uint64
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		gen, err = readGeneration(tx, ns)
		if err != nil {
			return err
		}
		if expected != nil && gen != *expected {
			return storage.ErrNamespaceDeleted
		}
		if err := tx.Set(makeRegistryKey(ns), []byte(userID)); err != nil {
			return err
		}
		stamp := storage.MarshalTimestamp(now)
		for _, key := range markers {
			if err := tx.Set(key, stamp); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}

	err = r.backend.WithBatch(func(wb *badger.WriteBatch) error {
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := badger.NewEntry(makeChunkKey(ns, gen, chunk.ID), storage.MarshalChunk(chunk))
			if r.retention > 0 {
				entry = entry.WithTTL(r.retention)
			}
			if err := wb.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		err = r.backend.WithTx(func(tx *badger.Txn) error {
			for _, key := range markers {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
			return tx.Commit()
		}, true)
	}
	if err != nil {
		r.discardStaged(userID, ns, gen, chunks, markers)
		return nil, err
	}
	return chunks, nil
}

// discardStaged removes the chunks of a failed write and then its markers.
// Markers left by a failure here keep the chunks hidden until the next
// write of the same file, a delete or the retention sweep.
func (r *ChunkRepository) discardStaged(userID string, ns namespaceHash, gen uint64, chunks []*core.Chunk, markers [][]byte) {
	keys := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		keys[i] = makeChunkKey(ns, gen, chunk.ID)
	}
	if _, err := r.backend.deleteKeys(keys); err != nil {
		r.logger.Warn("failed to discard staged chunks", "user_id", userID, "err", err)
		return
	}
	if _, err := r.backend.deleteKeys(markers); err != nil {
		r.logger.Warn("failed to clear pending markers", "user_id", userID, "err", err)
	}
}

// FindSimilar scans the user's current generation and keeps the limit best matches.
func (r *ChunkRepository) FindSimilar(ctx context.Context, userID string, vector []float32, limit int) ([]*core.SearchResult, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit %d", storage.ErrInvalidQuery, limit)
	}

	results := make([]*core.SearchResult, 0, limit)
	skipped := 0
	err := r.scanCurrent(ctx, userID, func(chunk *core.Chunk) error {
		if len(chunk.Embedding) != len(vector) {
			skipped++
			return nil
		}
		score := dotProduct(vector, chunk.Embedding)
		if len(results) == limit && score <= results[limit-1].Score {
			return nil
		}
		pos, _ := slices.BinarySearchFunc(results, score, func(res *core.SearchResult, s float32) int {
			if res.Score > s {
				return -1
			}
			if res.Score < s {
				return 1
			}
			return 0
		})
		// Equal scores keep insertion order.
		for pos < len(results) && results[pos].Score == score {
			pos++
		}
		results = slices.Insert(results, pos, &core.SearchResult{Chunk: chunk, Score: score})
		if len(results) > limit {
			results = results[:limit]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		r.logger.Warn("skipped chunks with mismatched embedding dimension; re-embed required",
			"user_id", userID, "skipped", skipped, "dimension", len(vector))
	}
	return results, nil
}

// GetChunks pages through the user's current generation in key order.
func (r *ChunkRepository) GetChunks(ctx context.Context, userID string, after uuid.UUID, limit int) ([]*core.Chunk, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit %d", storage.ErrInvalidQuery, limit)
	}

	ns := hashNamespace(userID)
	var out []*core.Chunk
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		gen, err := readGeneration(tx, ns)
		if err != nil {
			return err
		}
		pending, err := readPending(tx, ns)
		if err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeGenerationPrefix(ns, gen)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		seek := makeChunkKey(ns, gen, after)
		for iter.Seek(seek); iter.Valid() && len(out) < limit; iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			if after != uuid.Nil && bytes.Equal(item.Key(), seek) {
				continue
			}
			chunk, err := r.readOwned(item, userID)
			if err != nil {
				return err
			}
			if chunk != nil && !pending[chunk.Metadata.FileID] {
				out = append(out, chunk)
			}
		}
		return nil
	}, false)
	return out, err
}

// UpdateEmbeddings rewrites embeddings in place, keeping each entry's expiry.
func (r *ChunkRepository) UpdateEmbeddings(ctx context.Context, userID string, embeddings map[uuid.UUID][]float32) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	if len(embeddings) == 0 {
		return 0, nil
	}

	ns := hashNamespace(userID)
	unlock := r.backend.locks.lock(ns)
	defer unlock()

	updated := 0
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		gen, err := readGeneration(tx, ns)
		if err != nil {
			return err
		}
		for id, vector := range embeddings {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := makeChunkKey(ns, gen, id)
			item, err := tx.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			chunk, err := r.readOwned(item, userID)
			if err != nil {
				return err
			}
			if chunk == nil {
				continue
			}
			chunk.Embedding = vector
			entry := badger.NewEntry(key, storage.MarshalChunk(chunk))
			entry.ExpiresAt = item.ExpiresAt()
			if err := tx.SetEntry(entry); err != nil {
				return err
			}
			updated++
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// CountChunks counts keys in the user's current generation.
func (r *ChunkRepository) CountChunks(ctx context.Context, userID string) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}
	ns := hashNamespace(userID)
	count := 0
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		count, err = countGeneration(ctx, tx, ns)
		return err
	}, false)
	return count, err
}

// DeleteUser hides the namespace by advancing its generation and unregisters
// the user in the same transaction, then purges the previous generation. The
// returned count is the number of chunks that were visible at the moment of
// the switch. The generation key outlives the user so fenced writers that read
// an older generation keep failing.
func (r *ChunkRepository) DeleteUser(ctx context.Context, userID string) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}

	ns := hashNamespace(userID)
	unlock := r.backend.locks.lock(ns)
	defer unlock()

	var (
		count int
		next  uint64
	)
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		gen, err := readGeneration(tx, ns)
		if err != nil {
			return err
		}
		count, err = countGeneration(ctx, tx, ns)
		if err != nil {
			return err
		}
		next = gen + 1
		if err := tx.Set(makeGenerationKey(ns), storage.MarshalGeneration(next)); err != nil {
			return err
		}
		if err := tx.Delete(makeRegistryKey(ns)); err != nil {
			return err
		}
		markers, err := pendingKeys(tx, ns)
		if err != nil {
			return err
		}
		for _, key := range markers {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return 0, err
	}

	// The generation switch is durable; PurgeDeleted collects leftovers if this fails.
	if _, err := r.purgeStale(ctx, ns, next); err != nil {
		r.logger.Warn("failed to purge deleted generation", "user_id", userID, "err", err)
	}
	return count, nil
}

// PurgeExpired removes stale generations and current chunks created before cutoff.
func (r *ChunkRepository) PurgeExpired(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	if err := core.ValidateUserID(userID); err != nil {
		return 0, err
	}

	ns := hashNamespace(userID)
	unlock := r.backend.locks.lock(ns)
	defer unlock()

	var gen uint64
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		gen, err = readGeneration(tx, ns)
		return err
	}, false)
	if err != nil {
		return 0, err
	}

	purged, err := r.purgeStale(ctx, ns, gen)
	if err != nil {
		return purged, err
	}

	var expired, staleMarkers [][]byte
	err = r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		staleMarkers, err = markersBefore(tx, ns, cutoff)
		if err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeGenerationPrefix(ns, gen)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			var chunk *core.Chunk
			err := item.Value(func(val []byte) error {
				var err error
				chunk, err = storage.UnmarshalChunk(val)
				return err
			})
			if err != nil {
				return err
			}
			if chunk.Metadata.CreatedAt.Before(cutoff) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	}, false)
	if err != nil {
		return purged, err
	}

	deleted, err := r.backend.deleteKeys(expired)
	if err != nil {
		return purged + deleted, err
	}
	if _, err := r.backend.deleteKeys(staleMarkers); err != nil {
		return purged + deleted, err
	}
	return purged + deleted, nil
}

// PurgeDeleted purges stale generations of every namespace whose user is no
// longer registered.
func (r *ChunkRepository) PurgeDeleted(ctx context.Context) (int, error) {
	type deleted struct {
		ns  namespaceHash
		gen uint64
	}
	var orphans []deleted
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(namespaceGenerationPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			var ns namespaceHash
			if copy(ns[:], item.Key()[len(namespaceGenerationPrefix):]) != namespaceHashSize {
				continue
			}
			if _, err := tx.Get(makeRegistryKey(ns)); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			var gen uint64
			err := item.Value(func(val []byte) error {
				var err error
				gen, err = storage.UnmarshalGeneration(val)
				return err
			})
			if err != nil {
				return err
			}
			orphans = append(orphans, deleted{ns: ns, gen: gen})
		}
		return nil
	}, false)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, orphan := range orphans {
		unlock := r.backend.locks.lock(orphan.ns)
		purged, err := r.purgeStale(ctx, orphan.ns, orphan.gen)
		unlock()
		total += purged
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Users lists every user recorded in the namespace registry. DeleteUser
// removes the entry, so deleted users are not listed.
func (r *ChunkRepository) Users(ctx context.Context) ([]string, error) {
	var users []string
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(namespaceRegistryPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			users = append(users, string(val))
		}
		return nil
	}, false)
	return users, err
}

// scanCurrent calls fn for every published chunk in the user's current
// generation, reading the generation, the markers and the chunks from one snapshot.
func (r *ChunkRepository) scanCurrent(ctx context.Context, userID string, fn func(*core.Chunk) error) error {
	ns := hashNamespace(userID)
	return r.backend.WithTx(func(tx *badger.Txn) error {
		gen, err := readGeneration(tx, ns)
		if err != nil {
			return err
		}
		pending, err := readPending(tx, ns)
		if err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeGenerationPrefix(ns, gen)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk, err := r.readOwned(iter.Item(), userID)
			if err != nil {
				return err
			}
			if chunk == nil || pending[chunk.Metadata.FileID] {
				continue
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// readOwned decodes a chunk and drops it if its stored owner differs from userID.
func (r *ChunkRepository) readOwned(item *badger.Item, userID string) (*core.Chunk, error) {
	var chunk *core.Chunk
	err := item.Value(func(val []byte) error {
		var err error
		chunk, err = storage.UnmarshalChunk(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	if chunk.UserID != userID {
		r.logger.Error("dropping chunk from foreign namespace",
			"user_id", userID, "chunk_id", chunk.ID, "err", storage.ErrNamespaceMismatch)
		return nil, nil
	}
	return chunk, nil
}

// purgeStale deletes chunk keys of generations older than current.
// Caller holds the namespace lock.
func (r *ChunkRepository) purgeStale(ctx context.Context, ns namespaceHash, current uint64) (int, error) {
	total := 0
	for {
		var batch [][]byte
		err := r.backend.WithTx(func(tx *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = makeNamespacePrefix(ns)
			opts.PrefetchValues = false
			iter := tx.NewIterator(opts)
			defer iter.Close()
			for iter.Rewind(); iter.Valid() && len(batch) < purgeBatchSize; iter.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := iter.Item().Key()
				gen, ok := chunkKeyGeneration(key, ns)
				if ok && gen >= current {
					// Keys sort by generation; nothing older follows.
					break
				}
				batch = append(batch, iter.Item().KeyCopy(nil))
			}
			return nil
		}, false)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		deleted, err := r.backend.deleteKeys(batch)
		total += deleted
		if err != nil {
			return total, err
		}
	}
}

// readGeneration returns the namespace's current generation, zero if never deleted.
func readGeneration(tx *badger.Txn, ns namespaceHash) (uint64, error) {
	item, err := tx.Get(makeGenerationKey(ns))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var gen uint64
	err = item.Value(func(val []byte) error {
		var err error
		gen, err = storage.UnmarshalGeneration(val)
		return err
	})
	return gen, err
}

// countGeneration counts published chunks of the current generation.
// Keys alone suffice unless a file is pending.
func countGeneration(ctx context.Context, tx *badger.Txn, ns namespaceHash) (int, error) {
	gen, err := readGeneration(tx, ns)
	if err != nil {
		return 0, err
	}
	pending, err := readPending(tx, ns)
	if err != nil {
		return 0, err
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeGenerationPrefix(ns, gen)
	opts.PrefetchValues = len(pending) > 0
	iter := tx.NewIterator(opts)
	defer iter.Close()

	count := 0
	for iter.Rewind(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if len(pending) > 0 {
			var chunk *core.Chunk
			err := iter.Item().Value(func(val []byte) error {
				var err error
				chunk, err = storage.UnmarshalChunk(val)
				return err
			})
			if err != nil {
				return 0, err
			}
			if pending[chunk.Metadata.FileID] {
				continue
			}
		}
		count++
	}
	return count, nil
}

// readPending returns the file IDs of the namespace's pending markers.
func readPending(tx *badger.Txn, ns namespaceHash) (map[string]bool, error) {
	keys, err := pendingKeys(tx, ns)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	prefix := len(makePendingPrefix(ns))
	pending := make(map[string]bool, len(keys))
	for _, key := range keys {
		pending[string(key[prefix:])] = true
	}
	return pending, nil
}

// pendingKeys lists the namespace's pending markers.
func pendingKeys(tx *badger.Txn, ns namespaceHash) ([][]byte, error) {
	return listKeys(tx, makePendingPrefix(ns))
}

// markersBefore lists pending markers written before cutoff. They belong to
// writes that never finished.
func markersBefore(tx *badger.Txn, ns namespaceHash, cutoff time.Time) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makePendingPrefix(ns)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var stale [][]byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		item := iter.Item()
		var staged time.Time
		err := item.Value(func(val []byte) error {
			var err error
			staged, err = storage.UnmarshalTimestamp(val)
			return err
		})
		if err != nil {
			return nil, err
		}
		if staged.Before(cutoff) {
			stale = append(stale, item.KeyCopy(nil))
		}
	}
	return stale, nil
}
