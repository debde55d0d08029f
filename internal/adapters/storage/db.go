package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// DB is the badger database shared by the staging store and the run archive.
type DB struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Open opens the database under cfg.Dir. An empty dir keeps everything in
// memory, which is what tests and the demo CLI use.
func Open(cfg domain.StagingConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.NewResourceError("failed to open storage", err,
			domain.WithComponent("storage"), domain.WithContextDetail("dir", cfg.Dir))
	}
	logger.Info("storage opened", "dir", cfg.Dir, "in_memory", cfg.Dir == "")
	return &DB{db: db, logger: logger}, nil
}

func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}

// RunGC reclaims value log space. Nothing to do for in-memory databases.
func (d *DB) RunGC(ctx context.Context) error {
	if d.closed.Load() || d.db.Opts().InMemory {
		return nil
	}
	for ctx.Err() == nil {
		err := d.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return domain.NewResourceError("value log gc failed", err, domain.WithComponent("storage"))
		}
	}
	return ctx.Err()
}

func (d *DB) guard(op string) error {
	if d.closed.Load() {
		return domain.NewStateError("storage is closed", domain.ErrAlreadyShutdown,
			domain.WithComponent("storage"), domain.WithOperation(op))
	}
	return nil
}

func (d *DB) get(key string) ([]byte, bool, error) {
	var value []byte
	exists := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, exists, err
}

func (d *DB) keys(prefix string) ([]string, error) {
	var keys []string
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func storageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.DomainError
	if errors.As(err, &de) {
		return err
	}
	return domain.NewTransientError(fmt.Sprintf("storage %s failed", op), err,
		domain.WithComponent("storage"), domain.WithOperation(op), domain.WithContextDetail("key", key))
}

// call runs fn through the breaker when one is configured.
func call(ctx context.Context, breaker ports.CircuitBreaker, fn func(context.Context) error) error {
	if breaker == nil {
		return fn(ctx)
	}
	return breaker.Call(ctx, fn)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
