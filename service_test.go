package neurosim

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/neurosim/ai/mock"
	"github.com/poiesic/neurosim/config"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/encryption"
	"github.com/poiesic/neurosim/rag"
	"github.com/poiesic/neurosim/reembed"
	"github.com/poiesic/neurosim/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diary = `I keep a diary to understand my feelings. Writing every evening calms me down.

I value honesty above comfort. When a friend asks for my opinion I tell the truth, gently.

On weekends I hike in the mountains with my dog. The silence up there resets my head.`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Security.EncryptionKey = encryption.EncodeKey(encryption.GenerateKey())
	cfg.Chunking.MaxSize = 120
	cfg.Chunking.Overlap = 20
	cfg.Ingestion.Workers = 2
	cfg.Ingestion.RetryDelay = time.Millisecond
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *mock.MockProvider) {
	t.Helper()
	provider := mock.NewMockProvider().(*mock.MockProvider)
	svc, err := NewService(cfg, WithProvider(provider))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, provider
}

func TestNewService(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewService(nil)
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("production requires a key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Environment = config.EnvProduction
		cfg.Security.EncryptionKey = ""
		_, err := NewService(cfg, WithProvider(mock.NewMockProvider()))
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})

	t.Run("development falls back to an ephemeral key", func(t *testing.T) {
		var logs bytes.Buffer
		cfg := testConfig()
		cfg.Security.EncryptionKey = ""
		svc, err := NewService(cfg,
			WithProvider(mock.NewMockProvider()),
			WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
		require.NoError(t, err)
		defer svc.Close()

		assert.Equal(t, "encryption_ephemeral", svc.Health(context.Background()).SecurityLevel)
		assert.Contains(t, logs.String(), "ephemeral key")
	})

	t.Run("custom key source", func(t *testing.T) {
		cfg := testConfig()
		cfg.Security.EncryptionKey = ""
		key := encryption.StaticKeySource(encryption.EncodeKey(encryption.GenerateKey()))
		svc, err := NewService(cfg, WithProvider(mock.NewMockProvider()), WithKeySource(key))
		require.NoError(t, err)
		defer svc.Close()
		assert.Equal(t, "encryption_active", svc.Health(context.Background()).SecurityLevel)
	})

	t.Run("nil options rejected", func(t *testing.T) {
		_, err := NewService(testConfig(), WithProvider(nil))
		assert.ErrorIs(t, err, core.ErrConfiguration)
		_, err = NewService(testConfig(), WithKeySource(nil))
		assert.ErrorIs(t, err, core.ErrConfiguration)
	})
}

func TestService_UploadAndChat(t *testing.T) {
	ctx := context.Background()
	svc, provider := newTestService(t, testConfig())

	receipt, err := svc.Upload(ctx, "alice", "notes/diary.txt", []byte(diary))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, receipt.Status)
	assert.Equal(t, "alice", receipt.UserID)
	assert.Equal(t, "diary.txt", receipt.Filename)
	assert.NotEmpty(t, receipt.FileID)

	svc.Wait()

	job, err := svc.JobStatus(ctx, "alice", receipt.FileID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, job.Status)
	assert.Greater(t, job.ChunkCount, 1)
	assert.Empty(t, job.Blob.Ciphertext, "payload must be dropped once ingested")

	count, err := svc.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, job.ChunkCount, count)

	reply, err := svc.Chat(ctx, "alice", "What do I do on weekends?")
	require.NoError(t, err)
	assert.Equal(t, rag.OutcomeAnswered, reply.Outcome)
	assert.Equal(t, mock.DefaultAnswer, reply.Answer)
	assert.Equal(t, 3, reply.SourcesUsed)
	assert.Contains(t, provider.GetMockGenerator().LastPrompt(), "hike in the mountains")
}

func TestService_UploadLargeDocument(t *testing.T) {
	const dim = 1536
	var doc strings.Builder
	for i := 0; doc.Len() < 3<<20; i++ {
		fmt.Fprintf(&doc, "Day %d: I walked %d steps and wrote %d lines about the hills. ", i, 4000+i%97, i%13)
		if i%20 == 19 {
			doc.WriteString("\n")
		}
	}

	for _, inMemory := range []bool{true, false} {
		t.Run(fmt.Sprintf("in memory %v", inMemory), func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig()
			cfg.Chunking.MaxSize = 1000
			cfg.Chunking.Overlap = 200
			if !inMemory {
				cfg.Storage.InMemory = false
				cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
			}
			svc, provider := newTestService(t, cfg)
			embedder := provider.GetMockEmbedder()
			embedder.EmbedTextFunc = func(_ context.Context, text string) ([]float32, error) {
				return mock.Vector(text, dim), nil
			}
			embedder.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
				out := make([][]float32, len(texts))
				for i, text := range texts {
					out[i] = mock.Vector(text, dim)
				}
				return out, nil
			}

			receipt, err := svc.Upload(ctx, "alice", "history.txt", []byte(doc.String()))
			require.NoError(t, err)
			svc.Wait()

			job, err := svc.JobStatus(ctx, "alice", receipt.FileID)
			require.NoError(t, err)
			require.Equal(t, core.JobStatusCompleted, job.Status, "failure: %s", job.FailureReason)
			assert.Greater(t, job.ChunkCount, 3000)

			count, err := svc.Count(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, job.ChunkCount, count)

			reply, err := svc.Chat(ctx, "alice", "How many steps did I walk?")
			require.NoError(t, err)
			assert.Equal(t, rag.OutcomeAnswered, reply.Outcome)
		})
	}
}

func TestService_ChatWithoutData(t *testing.T) {
	svc, provider := newTestService(t, testConfig())

	reply, err := svc.Chat(context.Background(), "bob", "Who am I?")
	require.NoError(t, err)
	assert.Equal(t, rag.OutcomeInsufficientData, reply.Outcome)
	assert.Equal(t, rag.InsufficientDataMessage, reply.Answer)
	assert.Zero(t, provider.GetMockGenerator().CallCount())
}

func TestService_UploadValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Ingestion.MaxUploadBytes = 64
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	tests := []struct {
		name     string
		userID   string
		filename string
		raw      []byte
		want     error
	}{
		{"empty user", "", "a.txt", []byte("hello"), core.ErrEmptyUserID},
		{"pdf", "alice", "a.pdf", []byte("hello"), ErrUnsupportedFileType},
		{"no extension", "alice", "README", []byte("hello"), ErrUnsupportedFileType},
		{"empty file", "alice", "a.md", nil, ErrEmptyFile},
		{"too large", "alice", "a.txt", bytes.Repeat([]byte("x"), 65), ErrFileTooLarge},
		{"binary", "alice", "a.txt", []byte{0xff, 0xfe, 0x00}, ErrInvalidEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(ctx, tt.userID, tt.filename, tt.raw)
			assert.ErrorIs(t, err, core.ErrInput)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := svc.Upload(ctx, "alice", "Upper.MD", []byte("# title"))
	assert.NoError(t, err, "extension check is case-insensitive")
}

func TestService_DeleteUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig())

	for _, user := range []string{"alice", "bob"} {
		_, err := svc.Upload(ctx, user, "diary.txt", []byte(diary))
		require.NoError(t, err)
	}
	svc.Wait()

	report, err := svc.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.Greater(t, report.Chunks, 0)
	assert.Equal(t, 1, report.Jobs)
	assert.WithinDuration(t, time.Now(), report.DeletedAt, time.Minute)

	reply, err := svc.Chat(ctx, "alice", "What do I do on weekends?")
	require.NoError(t, err)
	assert.Equal(t, rag.OutcomeInsufficientData, reply.Outcome)

	count, err := svc.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Greater(t, count, 0, "other namespaces are untouched")

	_, err = svc.DeleteUser(ctx, " ")
	assert.ErrorIs(t, err, core.ErrInput)
}

func TestService_JobStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig())

	receipt, err := svc.Upload(ctx, "alice", "diary.txt", []byte(diary))
	require.NoError(t, err)
	svc.Wait()

	_, err = svc.JobStatus(ctx, "mallory", receipt.FileID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "other users cannot see the upload")

	_, err = svc.JobStatus(ctx, "alice", "not-a-uuid")
	assert.ErrorIs(t, err, core.ErrInput)

	_, err = svc.JobStatus(ctx, "alice", "1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_Health(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	h := svc.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "mock", h.Model)
	assert.Equal(t, "encryption_active", h.SecurityLevel)
	assert.True(t, h.VectorDBConnected)
	assert.Equal(t, PrivacyFeatures, h.PrivacyFeatures)

	require.NoError(t, svc.Close())
	h = svc.Health(context.Background())
	assert.False(t, h.VectorDBConnected)
	assert.Equal(t, "degraded", h.Status)
}

func TestService_SweepAndReembed(t *testing.T) {
	ctx := context.Background()
	svc, provider := newTestService(t, testConfig())

	_, err := svc.Upload(ctx, "alice", "diary.txt", []byte(diary))
	require.NoError(t, err)
	svc.Wait()

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ChunksPurged, "fresh chunks are inside the retention window")

	var progress strings.Builder
	provider.GetMockEmbedder().Reset()
	cfg := reembed.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	result, err := svc.Reembed(ctx, cfg, &progress)
	require.NoError(t, err)

	count, err := svc.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, count, result.Chunks)
	assert.Equal(t, 1, result.Users)
	assert.Contains(t, progress.String(), "chunks")
}

func TestService_RetentionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.Enabled = false
	svc, _ := newTestService(t, cfg)

	_, err := svc.Sweep(context.Background())
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.NoError(t, svc.RunRetention(context.Background()))
}

func TestService_RunRetentionStops(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunRetention(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunRetention did not stop")
	}
}

func TestService_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")

	svc, err := NewService(cfg, WithProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	receipt, err := svc.Upload(ctx, "alice", "diary.txt", []byte(diary))
	require.NoError(t, err)
	svc.Wait()
	require.NoError(t, svc.Close())

	_, err = svc.Upload(ctx, "alice", "diary.txt", []byte(diary))
	assert.ErrorIs(t, err, ErrServiceClosed)

	reopened, err := NewService(cfg, WithProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	defer reopened.Close()

	job, err := reopened.JobStatus(ctx, "alice", receipt.FileID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, job.Status)

	reply, err := reopened.Chat(ctx, "alice", "Do I value honesty?")
	require.NoError(t, err)
	assert.Equal(t, rag.OutcomeAnswered, reply.Outcome)
}

func TestService_WrongStorageKey(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")

	svc, err := NewService(cfg, WithProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	cfg.Security.EncryptionKey = encryption.EncodeKey(encryption.GenerateKey())
	_, err = NewService(cfg, WithProvider(mock.NewMockProvider()))
	assert.ErrorIs(t, err, core.ErrStorage, "data encrypted under another key cannot be opened")
}
