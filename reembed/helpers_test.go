package reembed

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
	"github.com/poiesic/neurosim/storage/badger"
	"github.com/stretchr/testify/require"
)

// setupRepo returns an in-memory chunk repository holding perUser chunks for each user.
func setupRepo(t *testing.T, perUser int, users ...string) storage.ChunkRepository {
	t.Helper()
	repo, _, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})

	for _, userID := range users {
		chunks := make([]*core.Chunk, perUser)
		for i := range chunks {
			chunks[i] = &core.Chunk{
				ID:        core.ChunkID(userID, "seed", i),
				UserID:    userID,
				Text:      fmt.Sprintf("%s note %d", userID, i),
				Embedding: []float32{1, 0, 0},
			}
		}
		if perUser > 0 {
			_, err := repo.AddChunks(context.Background(), userID, chunks...)
			require.NoError(t, err)
		}
	}
	return repo
}
