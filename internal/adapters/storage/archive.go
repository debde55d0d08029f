package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// ArchiveStore keeps finished pipeline runs. Entries carry a badger ttl so
// retention needs no sweeper of its own.
type ArchiveStore struct {
	db      *DB
	breaker ports.CircuitBreaker
	logger  *slog.Logger
}

func NewArchiveStore(db *DB, breaker ports.CircuitBreaker, logger *slog.Logger) *ArchiveStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveStore{
		db:      db,
		breaker: breaker,
		logger:  logger.With("component", "archive-store"),
	}
}

func (a *ArchiveStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return domain.NewValidationError("archive key is required", domain.ErrInvalidInput, domain.WithComponent("archive-store"))
	}
	if err := a.db.guard("archive_put"); err != nil {
		return err
	}
	return call(ctx, a.breaker, func(context.Context) error {
		err := a.db.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry([]byte(key), value)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
		if err != nil {
			return storageError("archive_put", key, err)
		}
		a.logger.Debug("archived", "key", key, "bytes", len(value), "ttl", ttl)
		return nil
	})
}

func (a *ArchiveStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := a.db.guard("archive_get"); err != nil {
		return nil, false, err
	}
	var (
		value  []byte
		exists bool
	)
	err := call(ctx, a.breaker, func(context.Context) error {
		var err error
		value, exists, err = a.db.get(key)
		return storageError("archive_get", key, err)
	})
	return value, exists, err
}

func (a *ArchiveStore) Delete(ctx context.Context, key string) error {
	if err := a.db.guard("archive_delete"); err != nil {
		return err
	}
	return call(ctx, a.breaker, func(context.Context) error {
		err := a.db.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		})
		return storageError("archive_delete", key, err)
	})
}

func (a *ArchiveStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := a.db.guard("archive_list"); err != nil {
		return nil, err
	}
	var keys []string
	err := call(ctx, a.breaker, func(context.Context) error {
		var err error
		keys, err = a.db.keys(prefix)
		return storageError("archive_list", prefix, err)
	})
	return keys, err
}

var _ ports.ArchiveStore = (*ArchiveStore)(nil)
