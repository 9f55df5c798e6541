package badger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepos(t *testing.T, opts ...ChunkOption) (*ChunkRepository, *JobRepository, *Backend) {
	t.Helper()
	chunkRepo, jobRepo, backend, err := NewMemoryRepositories(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		chunkRepo.Close()
		backend.Close()
	})
	return chunkRepo.(*ChunkRepository), jobRepo.(*JobRepository), backend
}

func TestAddChunks_Basics(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	added, err := repo.AddChunks(ctx, "alice",
		testChunk("alice", "f1", 0, "I love hiking.", 1, 0),
		testChunk("alice", "f1", 1, "I hate traffic.", 0, 1),
	)
	require.NoError(t, err)
	require.Len(t, added, 2)
	for _, c := range added {
		assert.False(t, c.Metadata.CreatedAt.IsZero(), "CreatedAt should be set")
	}

	count, err := repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	users, err := repo.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestAddChunks_Validation(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "", testChunk("", "f", 0, "text", 1, 0))
	assert.ErrorIs(t, err, core.ErrInput)

	_, err = repo.AddChunks(ctx, "alice", testChunk("bob", "f", 0, "text", 1, 0))
	assert.ErrorIs(t, err, core.ErrInput)

	bad := testChunk("alice", "f", 0, "text", 1, 0)
	bad.Embedding = nil
	_, err = repo.AddChunks(ctx, "alice", bad)
	assert.ErrorIs(t, err, core.ErrInvalidEmbedding)

	// A rejected batch stores nothing.
	_, err = repo.AddChunks(ctx, "alice",
		testChunk("alice", "f", 0, "fine", 1, 0),
		testChunk("bob", "f", 1, "foreign", 1, 0),
	)
	require.Error(t, err)
	count, err := repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAddChunks_SameIDOverwrites(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f1", 0, "first", 1, 0))
	require.NoError(t, err)
	_, err = repo.AddChunks(ctx, "alice", testChunk("alice", "f1", 0, "second", 1, 0))
	require.NoError(t, err)

	chunks, err := repo.GetChunks(ctx, "alice", uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "second", chunks[0].Text)
}

func TestFindSimilar_Ordering(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice",
		testChunk("alice", "f", 0, "far", 0, 1),
		testChunk("alice", "f", 1, "closest", 1, 0),
		testChunk("alice", "f", 2, "close", 0.8, 0.6),
	)
	require.NoError(t, err)

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "closest", results[0].Chunk.Text)
	assert.Equal(t, "close", results[1].Chunk.Text)
	assert.Equal(t, "far", results[2].Chunk.Text)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.8, results[1].Score, 1e-6)

	top, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "closest", top[0].Chunk.Text)
	assert.Equal(t, "close", top[1].Chunk.Text)
}

func TestFindSimilar_EmptyNamespace(t *testing.T) {
	repo, _, _ := newTestRepos(t)

	results, err := repo.FindSimilar(context.Background(), "nobody", []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindSimilar_InvalidArguments(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.FindSimilar(ctx, "", []float32{1, 0}, 3)
	assert.ErrorIs(t, err, core.ErrInput)

	_, err = repo.FindSimilar(ctx, "alice", []float32{1, 0}, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestFindSimilar_SkipsMismatchedDimension(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	odd := testChunk("alice", "f", 1, "three dims", 1, 0)
	odd.Embedding = []float32{1, 0, 0}
	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "two dims", 1, 0), odd)
	require.NoError(t, err)

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "two dims", results[0].Chunk.Text)
}

func TestNamespaceIsolation(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "alice secret", 1, 0))
	require.NoError(t, err)
	_, err = repo.AddChunks(ctx, "bob", testChunk("bob", "f", 0, "bob secret", 1, 0))
	require.NoError(t, err)

	for _, user := range []string{"alice", "bob"} {
		results, err := repo.FindSimilar(ctx, user, []float32{1, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, user, results[0].Chunk.UserID)
		assert.Equal(t, user+" secret", results[0].Chunk.Text)
	}

	// A user id that is a prefix of another shares nothing with it.
	results, err := repo.FindSimilar(ctx, "ali", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNamespaceIsolation_DropsForeignRecords(t *testing.T) {
	repo, _, backend := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "mine", 1, 0))
	require.NoError(t, err)

	// Plant a record owned by bob inside alice's partition.
	foreign := testChunk("bob", "f", 0, "planted", 1, 0)
	err = backend.WithTx(func(tx *badger.Txn) error {
		key := makeChunkKey(hashNamespace("alice"), 0, foreign.ID)
		if err := tx.Set(key, storage.MarshalChunk(foreign)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	require.NoError(t, err)

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Chunk.Text)
}

func TestDeleteUser(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice",
		testChunk("alice", "f", 0, "one", 1, 0),
		testChunk("alice", "f", 1, "two", 0, 1),
	)
	require.NoError(t, err)
	_, err = repo.AddChunks(ctx, "bob", testChunk("bob", "f", 0, "bob", 1, 0))
	require.NoError(t, err)

	deleted, err := repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Physical keys of the old generation are gone too.
	purged, err := repo.PurgeExpired(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, purged)

	// Other namespaces are untouched.
	count, err := repo.CountChunks(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Deleting an empty namespace is fine.
	deleted, err = repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeleteUser_ThenInsert(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "old", 1, 0))
	require.NoError(t, err)
	_, err = repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)

	_, err = repo.AddChunks(ctx, "alice", testChunk("alice", "g", 0, "new", 1, 0))
	require.NoError(t, err)

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new", results[0].Chunk.Text)
}

func TestDeleteUser_ConcurrentSearchSeesAllOrNothing(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	const n = 50
	chunks := make([]*core.Chunk, n)
	for i := range chunks {
		chunks[i] = testChunk("alice", "f", i, fmt.Sprintf("chunk %d", i), 1, 0)
	}
	_, err := repo.AddChunks(ctx, "alice", chunks...)
	require.NoError(t, err)

	var wg sync.WaitGroup
	observed := make(chan int, 100)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, n)
				if err != nil {
					return
				}
				select {
				case observed <- len(results):
				default:
				}
			}
		}()
	}

	_, err = repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	wg.Wait()
	close(observed)

	for size := range observed {
		assert.True(t, size == 0 || size == n, "search observed partial namespace: %d", size)
	}

	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, n)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGetChunks_Paging(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	var chunks []*core.Chunk
	for i := range 5 {
		chunks = append(chunks, testChunk("alice", "f", i, fmt.Sprintf("chunk %d", i), 1, 0))
	}
	_, err := repo.AddChunks(ctx, "alice", chunks...)
	require.NoError(t, err)

	seen := map[uuid.UUID]bool{}
	after := uuid.Nil
	for {
		page, err := repo.GetChunks(ctx, "alice", after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 2)
		for _, c := range page {
			assert.False(t, seen[c.ID], "chunk returned twice")
			seen[c.ID] = true
		}
		after = page[len(page)-1].ID
	}
	assert.Len(t, seen, 5)
}

func TestUpdateEmbeddings(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	c := testChunk("alice", "f", 0, "text", 1, 0)
	_, err := repo.AddChunks(ctx, "alice", c)
	require.NoError(t, err)

	updated, err := repo.UpdateEmbeddings(ctx, "alice", map[uuid.UUID][]float32{
		c.ID:       {0, 1},
		uuid.New(): {1, 0}, // unknown id is skipped
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	results, err := repo.FindSimilar(ctx, "alice", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, c.ID, results[0].Chunk.ID)
}

func TestPurgeExpired(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	old := testChunk("alice", "f", 0, "old", 1, 0)
	old.Metadata.CreatedAt = time.Now().UTC().Add(-100 * 24 * time.Hour)
	fresh := testChunk("alice", "f", 1, "fresh", 1, 0)
	_, err := repo.AddChunks(ctx, "alice", old, fresh)
	require.NoError(t, err)

	purged, err := repo.PurgeExpired(ctx, "alice", time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	chunks, err := repo.GetChunks(ctx, "alice", uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "fresh", chunks[0].Text)
}

func TestWithRetention_SetsTTL(t *testing.T) {
	repo, _, backend := newTestRepos(t, WithRetention(time.Hour))
	ctx := context.Background()

	c := testChunk("alice", "f", 0, "text", 1, 0)
	_, err := repo.AddChunks(ctx, "alice", c)
	require.NoError(t, err)

	err = backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeChunkKey(hashNamespace("alice"), 0, c.ID))
		if err != nil {
			return err
		}
		expires := time.Unix(int64(item.ExpiresAt()), 0)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)
		return nil
	}, false)
	require.NoError(t, err)

	_, err = NewChunkRepository(backend, WithRetention(-time.Second))
	assert.Error(t, err)
}

func TestNamespaceLocks(t *testing.T) {
	locks := newNamespaceLocks()
	ns := hashNamespace("alice")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(ns)
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, locks.locks, "lock entries should be released")
}

func TestKeys(t *testing.T) {
	alice := hashNamespace("alice")
	assert.Equal(t, alice, hashNamespace("alice"))
	assert.NotEqual(t, alice, hashNamespace("alice "))

	id := uuid.New()
	key := makeChunkKey(alice, 7, id)
	assert.True(t, len(key) > len(makeGenerationPrefix(alice, 7)))
	gen, ok := chunkKeyGeneration(key, alice)
	require.True(t, ok)
	assert.Equal(t, uint64(7), gen)

	// Generations sort numerically.
	assert.Less(t, string(makeGenerationPrefix(alice, 255)), string(makeGenerationPrefix(alice, 256)))
}

func countKeys(t *testing.T, backend *Backend, prefix []byte) int {
	t.Helper()
	var keys [][]byte
	err := backend.WithTx(func(tx *badger.Txn) error {
		var err error
		keys, err = listKeys(tx, prefix)
		return err
	}, false)
	require.NoError(t, err)
	return len(keys)
}

func TestAddChunks_LargeDocument(t *testing.T) {
	backend, err := OpenBackend(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	repo, err := NewChunkRepository(backend)
	require.NoError(t, err)
	ctx := context.Background()

	// About 30 MB of chunks, several times what one transaction holds.
	const n, dim = 4000, 1536
	text := strings.Repeat("I walk along the river every morning. ", 26)
	chunks := make([]*core.Chunk, n)
	for i := range chunks {
		vector := make([]float32, dim)
		vector[i%dim] = 1
		vector[i/dim] += 0.5
		chunks[i] = &core.Chunk{
			ID:        core.ChunkID("alice", "big", i),
			UserID:    "alice",
			Text:      text,
			Embedding: vector,
			Metadata:  core.ChunkMetadata{FileID: "big", SourceFilename: "big.txt", Index: i},
		}
	}

	err = backend.WithTx(func(tx *badger.Txn) error {
		for _, chunk := range chunks {
			if err := tx.Set(makeChunkKey(hashNamespace("alice"), 0, chunk.ID), storage.MarshalChunk(chunk)); err != nil {
				return err
			}
		}
		return tx.Commit()
	}, true)
	require.ErrorIs(t, err, storage.ErrTooLarge, "the document must not fit one transaction")

	_, err = repo.AddChunks(ctx, "alice", chunks...)
	require.NoError(t, err)

	count, err := repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, n, count)
	assert.Zero(t, countKeys(t, backend, makePendingPrefix(hashNamespace("alice"))))

	query := make([]float32, dim)
	query[42] = 1
	query[0] = 0.5
	results, err := repo.FindSimilar(ctx, "alice", query, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 42, results[0].Chunk.Metadata.Index)
}

func TestAddChunks_PendingFileIsHidden(t *testing.T) {
	repo, _, backend := newTestRepos(t)
	ctx := context.Background()
	ns := hashNamespace("alice")

	_, err := repo.AddChunks(ctx, "alice",
		testChunk("alice", "f", 0, "staged", 1, 0),
		testChunk("alice", "g", 0, "published", 1, 0),
	)
	require.NoError(t, err)

	// A marker left behind by an interrupted write hides that file.
	setMarker := func(staged time.Time) {
		err := backend.WithTx(func(tx *badger.Txn) error {
			if err := tx.Set(makePendingKey(ns, "f"), storage.MarshalTimestamp(staged)); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		require.NoError(t, err)
	}
	setMarker(time.Now())

	count, err := repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	results, err := repo.FindSimilar(ctx, "alice", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "published", results[0].Chunk.Text)
	listed, err := repo.GetChunks(ctx, "alice", uuid.Nil, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// Writing the file again publishes it.
	_, err = repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "staged", 1, 0))
	require.NoError(t, err)
	count, err = repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The retention sweep clears markers older than the cutoff.
	setMarker(time.Now().Add(-2 * time.Hour))
	_, err = repo.PurgeExpired(ctx, "alice", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, countKeys(t, backend, makePendingPrefix(ns)))
}

func TestAddChunksAt_FencedByDelete(t *testing.T) {
	repo, _, _ := newTestRepos(t)
	ctx := context.Background()

	gen, err := repo.Generation(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, gen)

	_, err = repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)

	_, err = repo.AddChunksAt(ctx, "alice", gen, testChunk("alice", "f", 0, "late", 1, 0))
	assert.ErrorIs(t, err, storage.ErrNamespaceDeleted)
	count, err := repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, count)
	users, err := repo.Users(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, "alice", "a fenced write does not register the user")

	current, err := repo.Generation(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, gen+1, current)
	_, err = repo.AddChunksAt(ctx, "alice", current, testChunk("alice", "f", 0, "fresh", 1, 0))
	require.NoError(t, err)
	count, err = repo.CountChunks(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = repo.Generation(ctx, "")
	assert.ErrorIs(t, err, core.ErrInput)
}

func TestDeleteUser_Unregisters(t *testing.T) {
	repo, _, backend := newTestRepos(t)
	ctx := context.Background()

	_, err := repo.AddChunks(ctx, "alice", testChunk("alice", "f", 0, "one", 1, 0))
	require.NoError(t, err)
	_, err = repo.AddChunks(ctx, "bob", testChunk("bob", "f", 0, "two", 1, 0))
	require.NoError(t, err)

	_, err = repo.DeleteUser(ctx, "alice")
	require.NoError(t, err)

	users, err := repo.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)

	// A chunk of the old generation that an interrupted purge left behind.
	ns := hashNamespace("alice")
	leftover := testChunk("alice", "f", 1, "leftover", 1, 0)
	err = backend.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeChunkKey(ns, 0, leftover.ID), storage.MarshalChunk(leftover)); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	require.NoError(t, err)

	purged, err := repo.PurgeDeleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Zero(t, countKeys(t, backend, makeNamespacePrefix(ns)))

	purged, err = repo.PurgeDeleted(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	count, err := repo.CountChunks(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
