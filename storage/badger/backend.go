package badger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/neurosim/storage"
)

const (
	// Badger requires a block index cache when encryption is enabled.
	encryptedIndexCacheSize = 64 << 20
	defaultGCDiscardRatio   = 0.5
)

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
	locks  *namespaceLocks
}

// BackendOption configures OpenBackend.
type BackendOption func(*backendConfig) error

type backendConfig struct {
	encryptionKey []byte
	logger        *slog.Logger
}

// WithEncryptionKey encrypts the database at rest with an AES key of 16, 24 or 32 bytes.
// Ignored for in-memory databases.
func WithEncryptionKey(key []byte) BackendOption {
	return func(c *backendConfig) error {
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
		}
		c.encryptionKey = key
		return nil
	}
}

// WithBackendLogger sets the logger badger and the backend report to.
func WithBackendLogger(logger *slog.Logger) BackendOption {
	return func(c *backendConfig) error {
		c.logger = logger
		return nil
	}
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist.
func OpenBackend(filePath string, inMemory bool, opts ...BackendOption) (*Backend, error) {
	cfg := &backendConfig{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	logger := cfg.logger.With("component", "badger")

	var bopts badger.Options
	if inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := ensureDir(filePath); err != nil {
			return nil, err
		}
		bopts = badger.DefaultOptions(filePath)
		if cfg.encryptionKey != nil {
			bopts = bopts.
				WithEncryptionKey(cfg.encryptionKey).
				WithIndexCacheSize(encryptedIndexCacheSize)
		}
	}

	bopts.Logger = &badgerLoggerAdapter{logger: logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}

	return &Backend{
		db:     db,
		logger: logger,
		locks:  newNamespaceLocks(),
	}, nil
}

func ensureDir(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filePath, 0700); err != nil {
			return err
		}
		info, err = os.Stat(filePath)
		if err != nil {
			return err
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filePath)
	}
	return nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
// Returns storage.ErrStorageClosed once the database is closed.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return translateError(fn(tx))
}

// WithBatch executes fn against a write batch and flushes it.
// The batch commits in as many transactions as its size needs, so the writes
// are durable once WithBatch returns but are not atomic as a whole.
func (b *Backend) WithBatch(fn func(wb *badger.WriteBatch) error) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	if err := fn(wb); err != nil {
		return translateError(err)
	}
	return translateError(wb.Flush())
}

// deleteKeys removes keys through a write batch and returns how many were removed.
func (b *Backend) deleteKeys(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	err := b.WithBatch(func(wb *badger.WriteBatch) error {
		for _, key := range keys {
			if err := wb.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// listKeys returns copies of every key under prefix.
func listKeys(tx *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var keys [][]byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	return keys, nil
}

// translateError maps badger size limits to storage.ErrTooLarge.
func translateError(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %w", storage.ErrTooLarge, err)
	}
	return err
}

// RunGC reclaims value log space left behind by deletes and expired entries.
// Returns the number of value log files rewritten.
func (b *Backend) RunGC() (int, error) {
	rewritten := 0
	for {
		err := b.db.RunValueLogGC(defaultGCDiscardRatio)
		switch {
		case err == nil:
			rewritten++
		case errors.Is(err, badger.ErrNoRewrite),
			errors.Is(err, badger.ErrRejected),
			errors.Is(err, badger.ErrGCInMemoryMode):
			return rewritten, nil
		default:
			return rewritten, err
		}
	}
}

// dotProduct calculates the dot product of two vectors of equal length.
func dotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
