package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
)

const (
	objectPrefix   = "staging:obj:"
	dataPrefix     = "staging:data:"
	pipelinePrefix = "staging:pipe:"
)

func objectKey(ref string) []byte { return []byte(objectPrefix + ref) }
func dataKey(ref string) []byte   { return []byte(dataPrefix + ref) }

func pipelineKey(pipelineID, ref string) []byte {
	return []byte(pipelinePrefix + pipelineID + ":" + ref)
}

// StagingStore is the badger-backed staging collaborator. Object metadata and
// bytes are stored under separate keys so access checks never load payloads.
type StagingStore struct {
	db      *DB
	breaker ports.CircuitBreaker
	logger  *slog.Logger
	now     ports.Clock

	// mu serializes writes so quota accounting matches what is on disk.
	mu      sync.Mutex
	config  domain.StagingConfig
	objects int
	used    int64
	closed  bool
}

// NewStagingStore opens the staging view over db and rebuilds usage from the
// objects already stored.
func NewStagingStore(db *DB, cfg domain.StagingConfig, breaker ports.CircuitBreaker, logger *slog.Logger, clock ports.Clock) (*StagingStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	s := &StagingStore{
		db:      db,
		breaker: breaker,
		logger:  logger.With("component", "staging-store"),
		now:     clock,
		config:  cfg,
	}

	err := db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(objectPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var obj ports.StagedObject
			if err := it.Item().Value(func(v []byte) error { return xjson.Unmarshal(v, &obj) }); err != nil {
				return err
			}
			s.objects++
			s.used += obj.Size
		}
		return nil
	})
	if err != nil {
		return nil, storageError("staging_usage", objectPrefix, err)
	}
	return s, nil
}

func (s *StagingStore) checkOpen(op string) error {
	if s.closed {
		return domain.NewStateError("staging store is closed", domain.ErrAlreadyShutdown,
			domain.WithComponent("staging-store"), domain.WithOperation(op))
	}
	return s.db.guard(op)
}

// Store saves obj and returns its reference. The owner is required; quota and
// object size limits are enforced as policy denials.
func (s *StagingStore) Store(ctx context.Context, obj ports.StagedObject) (string, error) {
	if obj.Owner == "" {
		return "", domain.NewValidationError("staged object needs an owner", domain.ErrInvalidInput,
			domain.WithComponent("staging-store"), domain.WithOperation("store"), domain.WithPipelineID(obj.PipelineID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("store"); err != nil {
		return "", err
	}

	size := int64(len(obj.Data))
	if s.config.MaxObjectBytes > 0 && size > s.config.MaxObjectBytes {
		return "", domain.NewPolicyDenial(domain.DenialQuota,
			fmt.Sprintf("object of %d bytes exceeds the %d byte limit", size, s.config.MaxObjectBytes),
			domain.WithComponent("staging-store"), domain.WithPipelineID(obj.PipelineID))
	}
	if s.config.QuotaBytes > 0 && s.used+size > s.config.QuotaBytes {
		return "", domain.NewPolicyDenial(domain.DenialQuota,
			fmt.Sprintf("staging quota exhausted: %d of %d bytes used", s.used, s.config.QuotaBytes),
			domain.WithComponent("staging-store"), domain.WithPipelineID(obj.PipelineID),
			domain.WithContextDetail("requested_bytes", size))
	}

	obj.Reference = uuid.New().String()
	obj.Size = size
	obj.CreatedAt = s.now()

	meta, err := xjson.Marshal(obj)
	if err != nil {
		return "", domain.NewInternalError("failed to encode staged object", err, domain.WithComponent("staging-store"))
	}

	err = call(ctx, s.breaker, func(context.Context) error {
		return storageError("store", obj.Reference, s.db.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(objectKey(obj.Reference), meta); err != nil {
				return err
			}
			if err := txn.Set(dataKey(obj.Reference), obj.Data); err != nil {
				return err
			}
			if obj.PipelineID != "" {
				return txn.Set(pipelineKey(obj.PipelineID, obj.Reference), nil)
			}
			return nil
		}))
	})
	if err != nil {
		return "", err
	}

	s.objects++
	s.used += size
	s.logger.Debug("object staged", "reference", obj.Reference, "pipeline_id", obj.PipelineID, "bytes", size)
	return obj.Reference, nil
}

func (s *StagingStore) load(ctx context.Context, reference string, withData bool) (ports.StagedObject, error) {
	var obj ports.StagedObject
	err := call(ctx, s.breaker, func(context.Context) error {
		return storageError("retrieve", reference, s.db.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(objectKey(reference))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return domain.NewNotFoundError(fmt.Sprintf("staged object %s not found", reference), domain.ErrNotFound,
						domain.WithComponent("staging-store"), domain.WithContextDetail("reference", reference))
				}
				return err
			}
			if err := item.Value(func(v []byte) error { return xjson.Unmarshal(v, &obj) }); err != nil {
				return err
			}
			if !withData {
				return nil
			}
			data, err := txn.Get(dataKey(reference))
			if err != nil {
				return err
			}
			obj.Data, err = data.ValueCopy(nil)
			return err
		}))
	})
	return obj, err
}

func canRead(obj ports.StagedObject, requester string) bool {
	for _, d := range obj.Denied {
		if d == requester {
			return false
		}
	}
	if requester == obj.Owner {
		return true
	}
	for _, g := range obj.Grants {
		if g == requester {
			return true
		}
	}
	return false
}

func accessDenied(op, reference, requester string) error {
	return domain.NewPolicyDenial(domain.DenialAccess,
		fmt.Sprintf("%s may not %s staged object %s", requester, op, reference),
		domain.WithComponent("staging-store"), domain.WithOperation(op),
		domain.WithContextDetail("reference", reference), domain.WithContextDetail("requester", requester))
}

// Retrieve returns the object when requester owns it or holds a grant. An
// explicit deny wins over a grant.
func (s *StagingStore) Retrieve(ctx context.Context, reference, requester string) (ports.StagedObject, error) {
	s.mu.Lock()
	err := s.checkOpen("retrieve")
	s.mu.Unlock()
	if err != nil {
		return ports.StagedObject{}, err
	}

	obj, err := s.load(ctx, reference, true)
	if err != nil {
		return ports.StagedObject{}, err
	}
	if !canRead(obj, requester) {
		return ports.StagedObject{}, accessDenied("read", reference, requester)
	}
	return obj, nil
}

// Delete removes the object. Only the owner may delete.
func (s *StagingStore) Delete(ctx context.Context, reference, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("delete"); err != nil {
		return err
	}

	obj, err := s.load(ctx, reference, false)
	if err != nil {
		return err
	}
	if obj.Owner != requester {
		return accessDenied("delete", reference, requester)
	}

	err = call(ctx, s.breaker, func(context.Context) error {
		return storageError("delete", reference, s.db.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(objectKey(reference)); err != nil {
				return err
			}
			if err := txn.Delete(dataKey(reference)); err != nil {
				return err
			}
			if obj.PipelineID != "" {
				return txn.Delete(pipelineKey(obj.PipelineID, reference))
			}
			return nil
		}))
	})
	if err != nil {
		return err
	}

	s.objects--
	s.used -= obj.Size
	s.logger.Debug("staged object deleted", "reference", reference, "bytes", obj.Size)
	return nil
}

func (s *StagingStore) Grant(ctx context.Context, reference, owner, grantee string) error {
	return s.updateAccess(ctx, "grant", reference, owner, func(obj *ports.StagedObject) {
		obj.Denied = without(obj.Denied, grantee)
		if !contains(obj.Grants, grantee) {
			obj.Grants = append(obj.Grants, grantee)
		}
	})
}

func (s *StagingStore) Deny(ctx context.Context, reference, owner, grantee string) error {
	return s.updateAccess(ctx, "deny", reference, owner, func(obj *ports.StagedObject) {
		obj.Grants = without(obj.Grants, grantee)
		if !contains(obj.Denied, grantee) {
			obj.Denied = append(obj.Denied, grantee)
		}
	})
}

func (s *StagingStore) updateAccess(ctx context.Context, op, reference, owner string, mutate func(*ports.StagedObject)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(op); err != nil {
		return err
	}

	obj, err := s.load(ctx, reference, false)
	if err != nil {
		return err
	}
	if obj.Owner != owner {
		return accessDenied(op, reference, owner)
	}
	mutate(&obj)

	meta, err := xjson.Marshal(obj)
	if err != nil {
		return domain.NewInternalError("failed to encode staged object", err, domain.WithComponent("staging-store"))
	}
	return call(ctx, s.breaker, func(context.Context) error {
		return storageError(op, reference, s.db.db.Update(func(txn *badger.Txn) error {
			return txn.Set(objectKey(reference), meta)
		}))
	})
}

// ListByPipeline returns the metadata of every object staged for a pipeline,
// oldest first. Data is not loaded.
func (s *StagingStore) ListByPipeline(ctx context.Context, pipelineID string) ([]ports.StagedObject, error) {
	s.mu.Lock()
	err := s.checkOpen("list")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	prefix := pipelinePrefix + pipelineID + ":"
	keys, err := s.db.keys(prefix)
	if err != nil {
		return nil, storageError("list", prefix, err)
	}

	out := make([]ports.StagedObject, 0, len(keys))
	for _, k := range keys {
		obj, err := s.load(ctx, k[len(prefix):], false)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *StagingStore) Usage() ports.StagingUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.StagingUsage{Objects: s.objects, BytesUsed: s.used, QuotaBytes: s.config.QuotaBytes}
}

// UpdateConfig applies a staging.config_update (quota_bytes, max_object_bytes).
// Objects already stored are kept even when they exceed a lowered quota.
func (s *StagingStore) UpdateConfig(settings map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config
	if err := domain.ApplySettings(&next, settings); err != nil {
		return domain.NewConfigurationError("rejected staging settings", err,
			domain.WithComponent("staging-store"), domain.WithOperation("update_config"))
	}
	if next.QuotaBytes < 0 || next.MaxObjectBytes < 0 {
		return domain.NewConfigurationError("staging limits must not be negative", nil, domain.WithComponent("staging-store"))
	}
	if next.Dir != s.config.Dir {
		return domain.NewConfigurationError("staging dir cannot change at runtime", nil, domain.WithComponent("staging-store"))
	}
	s.config = next
	s.logger.Info("staging settings updated", "quota_bytes", next.QuotaBytes, "max_object_bytes", next.MaxObjectBytes)
	return nil
}

// Close stops the store from serving requests. The shared database is closed
// by its owner.
func (s *StagingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

var _ ports.StagingStore = (*StagingStore)(nil)
