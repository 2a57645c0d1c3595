// Package memory provides in-memory implementations of storage ports.
// Useful for tests and for running without persistence.
package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// recordShard is a single shard of the record store.
type recordShard struct {
	mu      sync.RWMutex
	records map[string]quota.UsageRecord
}

// RecordStore is a sharded in-memory implementation of
// ports.SharedRecordStore and ports.SettingsStore. Records are deep-copied
// on the way in and out.
type RecordStore struct {
	shards    []*recordShard
	numShards int

	settingsMu sync.RWMutex
	settings   *quota.Settings
}

// RecordStoreConfig configures the record store.
type RecordStoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewRecordStore creates a new sharded in-memory record store.
func NewRecordStore(cfg RecordStoreConfig) *RecordStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	s := &RecordStore{
		shards:    make([]*recordShard, cfg.NumShards),
		numShards: cfg.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &recordShard{
			records: make(map[string]quota.UsageRecord),
		}
	}
	return s
}

// getShard returns the shard for a given key using consistent hashing.
func (s *RecordStore) getShard(key string) *recordShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Load returns every stored record.
func (s *RecordStore) Load(ctx context.Context) (map[string]quota.UsageRecord, error) {
	out := make(map[string]quota.UsageRecord)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for k, rec := range shard.records {
			out[k] = rec.Clone()
		}
		shard.mu.RUnlock()
	}
	return out, nil
}

// Save upserts records.
func (s *RecordStore) Save(ctx context.Context, records map[string]quota.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, rec := range records {
		shard := s.getShard(k)
		shard.mu.Lock()
		shard.records[k] = rec.Clone()
		shard.mu.Unlock()
	}
	return nil
}

// Get returns a single record or ports.ErrNotFound.
func (s *RecordStore) Get(ctx context.Context, key string) (quota.UsageRecord, error) {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	rec, ok := shard.records[key]
	if !ok {
		return quota.UsageRecord{}, ports.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies fn to one record under the shard lock.
func (s *RecordStore) Update(ctx context.Context, key string, fn func(rec *quota.UsageRecord, found bool) bool) (quota.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return quota.UsageRecord{}, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	stored, found := shard.records[key]
	rec := stored.Clone()
	rec.Normalize()
	if !fn(&rec, found) {
		return rec, nil
	}
	shard.records[key] = rec.Clone()
	return rec, nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *RecordStore) Close() error {
	return nil
}

// LoadSettings returns the saved settings or ports.ErrNotFound.
func (s *RecordStore) LoadSettings(ctx context.Context) (quota.Settings, error) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()

	if s.settings == nil {
		return quota.Settings{}, ports.ErrNotFound
	}
	return *s.settings, nil
}

// SaveSettings replaces the saved settings.
func (s *RecordStore) SaveSettings(ctx context.Context, settings quota.Settings) error {
	s.settingsMu.Lock()
	s.settings = &settings
	s.settingsMu.Unlock()
	return nil
}

// Clear removes all state (for testing).
func (s *RecordStore) Clear() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.records = make(map[string]quota.UsageRecord)
		shard.mu.Unlock()
	}
	s.settingsMu.Lock()
	s.settings = nil
	s.settingsMu.Unlock()
}

// Len returns the total number of records across all shards (for testing).
func (s *RecordStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var (
	_ ports.SharedRecordStore = (*RecordStore)(nil)
	_ ports.SettingsStore     = (*RecordStore)(nil)
)
