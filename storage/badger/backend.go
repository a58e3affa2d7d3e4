package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

const (
	defaultSequenceBandwidth  = 100
	defaultMaxConflictRetries = 16
	conflictBackoffBase       = 2 * time.Millisecond
)

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db                 *badger.DB
	logger             *slog.Logger
	maxConflictRetries int
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithLogger sets the logger used by the backend and by BadgerDB itself.
func WithLogger(logger *slog.Logger) BackendOption {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMaxConflictRetries sets how many times a conflicting write is attempted
// before ErrConcurrentMergeConflict is returned.
func WithMaxConflictRetries(n int) BackendOption {
	return func(b *Backend) {
		if n > 0 {
			b.maxConflictRetries = n
		}
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
	b := &Backend{
		logger:             slog.Default(),
		maxConflictRetries: defaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(b)
	}

	var badgerOpts badger.Options
	if inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := ensureDir(filePath); err != nil {
			return nil, err
		}
		badgerOpts = badger.DefaultOptions(filePath)
	}

	badgerOpts.Logger = &badgerLoggerAdapter{logger: b.logger.With("component", "badger")}
	badgerOpts.Compression = options.None
	badgerOpts.DetectConflicts = true

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	b.db = db
	return b, nil
}

func ensureDir(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filePath, 0755); err != nil {
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
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(tx *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.WithTx(fn, false)
}

// Update runs fn in a read-write transaction and commits it.
//
// Every key fn reads is tracked by BadgerDB. If another transaction commits a write to
// one of them first, the commit fails with badger.ErrConflict and fn is run again from
// scratch on a fresh transaction, after a short jittered backoff. fn must therefore be
// free of side effects outside the transaction.
func (b *Backend) Update(ctx context.Context, fn func(tx *badger.Txn) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}

		if attempt >= b.maxConflictRetries {
			b.logger.Warn("write conflict retries exhausted", "attempts", attempt)
			return fmt.Errorf("%w: gave up after %d attempts", storage.ErrConcurrentMergeConflict, attempt)
		}
		b.logger.Debug("write conflict, retrying", "attempt", attempt)

		delay := time.Duration(rand.Int64N(int64(conflictBackoffBase) * int64(attempt)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetSequence returns a BadgerDB sequence for generating sequential IDs.
func (b *Backend) GetSequence(name string) (*badger.Sequence, error) {
	return b.db.GetSequence([]byte(name), defaultSequenceBandwidth)
}

// readDimension returns the recorded vector width under key, or 0.
func readDimension(tx *badger.Txn, key []byte) (int, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var dim int
	err = item.Value(func(val []byte) error {
		var uerr error
		dim, uerr = storage.UnmarshalInt(val)
		return uerr
	})
	return dim, err
}

// dimensionGuard checks vector widths against the recorded width within one transaction.
// The first vector written to an empty store records the width.
type dimensionGuard struct {
	key    []byte
	dim    int
	loaded bool
}

func newDimensionGuard(kind string) *dimensionGuard {
	return &dimensionGuard{key: makeDimensionKey(kind)}
}

func (g *dimensionGuard) check(tx *badger.Txn, width int) error {
	if width == 0 {
		return nil
	}
	if !g.loaded {
		dim, err := readDimension(tx, g.key)
		if err != nil {
			return err
		}
		g.dim = dim
		g.loaded = true
	}
	if g.dim == 0 {
		g.dim = width
		return tx.Set(g.key, storage.MarshalInt(width))
	}
	if width != g.dim {
		return fmt.Errorf("%w: vector has %d dimensions, store has %d", core.ErrDimensionMismatch, width, g.dim)
	}
	return nil
}

func (b *Backend) embeddingDimension(ctx context.Context, kind string) (int, error) {
	var dim int
	err := b.View(ctx, func(tx *badger.Txn) error {
		var err error
		dim, err = readDimension(tx, makeDimensionKey(kind))
		return err
	})
	return dim, err
}

func (b *Backend) setEmbeddingDimension(ctx context.Context, kind string, dim int) error {
	return b.Update(ctx, func(tx *badger.Txn) error {
		if dim <= 0 {
			return tx.Delete(makeDimensionKey(kind))
		}
		return tx.Set(makeDimensionKey(kind), storage.MarshalInt(dim))
	})
}
