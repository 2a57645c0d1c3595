// Package redis provides record and settings stores backed by Redis, for
// running several dashboard replicas against shared quota state. The store
// implements ports.SharedRecordStore: each admission check is a
// read-modify-write on one hash field, committed with a compare-and-set
// script so concurrent replicas never overwrite each other's counts.
package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces every key the store writes.
	DefaultPrefix = "quotagate:"

	// DefaultTimeout bounds each store operation.
	DefaultTimeout = 2 * time.Second

	// DefaultMaxRetries bounds compare-and-set attempts per Update.
	DefaultMaxRetries = 16
)

// recordCAS writes a record only if no other writer changed it since it
// was read.
//
//go:embed record_cas.lua
var recordCAS string

var casScript = redis.NewScript(recordCAS)

// RecordStore implements ports.RecordStore and ports.SettingsStore.
// Records live in one hash (<prefix>records, field = user key, value = JSON
// record); settings live in <prefix>settings as a JSON document.
type RecordStore struct {
	client     *redis.Client
	prefix     string
	timeout    time.Duration
	maxRetries int
}

// Option configures a RecordStore.
type Option func(*RecordStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *RecordStore) {
		s.prefix = prefix
	}
}

// WithTimeout bounds each Redis round trip. Zero disables the bound and
// relies on the caller's context only.
func WithTimeout(d time.Duration) Option {
	return func(s *RecordStore) {
		s.timeout = d
	}
}

// WithMaxRetries bounds compare-and-set attempts per Update.
func WithMaxRetries(n int) Option {
	return func(s *RecordStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewRecordStore creates a store and checks the connection.
func NewRecordStore(client *redis.Client, opts ...Option) (*RecordStore, error) {
	s := &RecordStore{
		client:     client,
		prefix:     DefaultPrefix,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *RecordStore) recordsKey() string  { return s.prefix + "records" }
func (s *RecordStore) settingsKey() string { return s.prefix + "settings" }

func (s *RecordStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Load returns every stored record.
func (s *RecordStore) Load(ctx context.Context) (map[string]quota.UsageRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.recordsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	out := make(map[string]quota.UsageRecord, len(fields))
	for key, raw := range fields {
		var rec quota.UsageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
		rec.Normalize()
		out[key] = rec
	}
	return out, nil
}

// Get returns one record.
func (s *RecordStore) Get(ctx context.Context, userKey string) (quota.UsageRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.recordsKey(), userKey).Result()
	if errors.Is(err, redis.Nil) {
		return quota.UsageRecord{}, ports.ErrNotFound
	}
	if err != nil {
		return quota.UsageRecord{}, fmt.Errorf("get record: %w", err)
	}

	var rec quota.UsageRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return quota.UsageRecord{}, fmt.Errorf("decode record %s: %w", userKey, err)
	}
	rec.Normalize()
	return rec, nil
}

// Update applies fn to one record with optimistic concurrency: the field is
// read, modified and written back only if no other writer changed it in
// between, retrying on conflict.
func (s *RecordStore) Update(ctx context.Context, userKey string, fn func(rec *quota.UsageRecord, found bool) bool) (quota.UsageRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.recordsKey()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		raw, err := s.client.HGet(ctx, key, userKey).Result()
		found := true
		if errors.Is(err, redis.Nil) {
			found, raw = false, ""
		} else if err != nil {
			return quota.UsageRecord{}, fmt.Errorf("get record: %w", err)
		}

		var rec quota.UsageRecord
		if found {
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return quota.UsageRecord{}, fmt.Errorf("decode record %s: %w", userKey, err)
			}
		}
		rec.Normalize()

		if !fn(&rec, found) {
			return rec, nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return quota.UsageRecord{}, fmt.Errorf("encode record %s: %w", userKey, err)
		}
		ok, err := casScript.Run(ctx, s.client, []string{key}, userKey, raw, string(b)).Int()
		if err != nil {
			return quota.UsageRecord{}, fmt.Errorf("update record: %w", err)
		}
		if ok == 1 {
			return rec, nil
		}
	}
	return quota.UsageRecord{}, fmt.Errorf("update record %s: %w", userKey, ports.ErrConflict)
}

// Save upserts records with a single HSET. It overwrites whole records, so
// it is only safe for a single writer (e.g. imports); shared engines go
// through Update.
func (s *RecordStore) Save(ctx context.Context, records map[string]quota.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	values := make([]any, 0, len(records)*2)
	for key, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", key, err)
		}
		values = append(values, key, b)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.HSet(ctx, s.recordsKey(), values...).Err(); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RecordStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RecordStore) Close() error {
	return s.client.Close()
}

// LoadSettings returns the saved settings or ports.ErrNotFound.
func (s *RecordStore) LoadSettings(ctx context.Context) (quota.Settings, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.client.Get(ctx, s.settingsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return quota.Settings{}, ports.ErrNotFound
	}
	if err != nil {
		return quota.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	var q quota.Settings
	if err := json.Unmarshal(raw, &q); err != nil {
		return quota.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return q, nil
}

// SaveSettings replaces the saved settings.
func (s *RecordStore) SaveSettings(ctx context.Context, q quota.Settings) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.settingsKey(), b, 0).Err(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var (
	_ ports.SharedRecordStore = (*RecordStore)(nil)
	_ ports.SettingsStore     = (*RecordStore)(nil)
)
