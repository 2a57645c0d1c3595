// Package app contains the quota engine and the services built on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// engineShard is a single shard of the record map.
type engineShard struct {
	mu      sync.RWMutex
	records map[string]*quota.UsageRecord
	dirty   map[string]struct{}
}

// Engine owns per-user usage records and the process-wide quota settings.
// Records are sharded by user key so the read-increment-compare-write cycle
// for one key only holds that key's shard lock. With a shared store the
// cycle runs inside the store instead and the shards only cache results.
type Engine struct {
	clock     ports.Clock
	location  *time.Location
	retention quota.Retention

	settingsMu sync.RWMutex
	settings   quota.Settings

	shards []*engineShard

	shared  ports.SharedRecordStore
	timeout time.Duration
}

// EngineConfig configures the engine.
type EngineConfig struct {
	Settings  quota.Settings
	Retention quota.Retention
	Location  *time.Location // bucket timezone (default: time.Local)
	NumShards int            // default: 32

	// Shared, when set, holds the authoritative records: every change is
	// written through it and nothing is left for a flusher.
	Shared       ports.SharedRecordStore
	StoreTimeout time.Duration // per shared store call (default: 5s)
}

// NewEngine creates an engine. Invalid settings are rejected.
func NewEngine(clock ports.Clock, cfg EngineConfig) (*Engine, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Retention == (quota.Retention{}) {
		cfg.Retention = quota.DefaultRetention()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	e := &Engine{
		clock:     clock,
		location:  cfg.Location,
		retention: cfg.Retention,
		settings:  cfg.Settings,
		shards:    make([]*engineShard, cfg.NumShards),
		shared:    cfg.Shared,
		timeout:   cfg.StoreTimeout,
	}
	for i := range e.shards {
		e.shards[i] = &engineShard{
			records: make(map[string]*quota.UsageRecord),
			dirty:   make(map[string]struct{}),
		}
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().In(e.location)
}

// Now returns the engine clock reading in the bucket timezone.
func (e *Engine) Now() time.Time {
	return e.now()
}

// shard returns the shard for a user key.
func (e *Engine) shard(userKey string) *engineShard {
	h := fnv.New32a()
	h.Write([]byte(userKey))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// CheckAndRecord charges weight units of action to userKey and decides
// whether the action may proceed. Counters are incremented before limits are
// evaluated, so the call that breaches a limit is still counted. While a
// cooldown is active the call is rejected without touching any counter.
func (e *Engine) CheckAndRecord(userKey, action string, weight int64) (quota.Decision, error) {
	if err := quota.ValidateCall(userKey, action, weight); err != nil {
		return quota.Decision{}, err
	}

	settings := e.Settings()
	now := e.now()
	if e.shared != nil {
		return e.checkShared(userKey, action, weight, settings, now)
	}

	sh := e.shard(userKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[userKey]
	if !ok {
		r := quota.NewRecord(now)
		rec = &r
		sh.records[userKey] = rec
		sh.dirty[userKey] = struct{}{}
	}

	d, changed := rec.Charge(action, weight, settings, now)
	if changed {
		sh.dirty[userKey] = struct{}{}
	}
	return d, nil
}

// checkShared runs the admission check as one atomic update in the shared
// store, so counts from every process sharing it are seen.
func (e *Engine) checkShared(userKey, action string, weight int64, settings quota.Settings, now time.Time) (quota.Decision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	var d quota.Decision
	rec, err := e.shared.Update(ctx, userKey, func(rec *quota.UsageRecord, found bool) bool {
		if !found {
			*rec = quota.NewRecord(now)
		}
		var changed bool
		d, changed = rec.Charge(action, weight, settings, now)
		return changed || !found
	})
	if err != nil {
		return quota.Decision{}, fmt.Errorf("update shared record: %w", err)
	}
	e.cache(userKey, rec)
	return d, nil
}

// cache keeps a local copy of a shared record. Cached records are never
// dirty; the shared store already holds them.
func (e *Engine) cache(userKey string, rec quota.UsageRecord) {
	r := rec.Clone()
	sh := e.shard(userKey)
	sh.mu.Lock()
	sh.records[userKey] = &r
	sh.mu.Unlock()
}

// Reset replaces the user's record with a fresh one. Unknown keys are created.
func (e *Engine) Reset(userKey string) error {
	if userKey == "" {
		return fmt.Errorf("%w: user key is required", quota.ErrInvalidArgument)
	}
	now := e.now()
	if e.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		rec, err := e.shared.Update(ctx, userKey, func(rec *quota.UsageRecord, _ bool) bool {
			*rec = quota.FreshRecord(now)
			return true
		})
		if err != nil {
			return fmt.Errorf("reset shared record: %w", err)
		}
		e.cache(userKey, rec)
		return nil
	}

	sh := e.shard(userKey)
	sh.mu.Lock()
	r := quota.FreshRecord(now)
	sh.records[userKey] = &r
	sh.dirty[userKey] = struct{}{}
	sh.mu.Unlock()
	return nil
}

// Usage returns a copy of the user's record without creating one. Over a
// shared store the stored record is read; the local copy is used only when
// the store cannot be reached.
func (e *Engine) Usage(userKey string) (quota.UsageRecord, bool) {
	if e.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		rec, err := e.shared.Get(ctx, userKey)
		switch {
		case err == nil:
			e.cache(userKey, rec)
			return rec, true
		case errors.Is(err, ports.ErrNotFound):
			return quota.UsageRecord{}, false
		}
	}

	sh := e.shard(userKey)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[userKey]
	if !ok {
		return quota.UsageRecord{}, false
	}
	return rec.Clone(), true
}

// Counters returns the current counters for userKey and action without
// charging anything. Unknown users report zeros.
func (e *Engine) Counters(userKey, action string) quota.Counters {
	now := e.now()
	rec, ok := e.Usage(userKey)
	if !ok {
		return quota.Counters{}
	}
	return rec.Snapshot(action, now)
}

// Stats summarises all tracked users. Pure read. Over a shared store every
// stored record is counted, falling back to the local copies when the store
// cannot be read.
func (e *Engine) Stats() quota.Stats {
	today := quota.DayKey(e.now())
	stats := quota.Stats{Settings: e.Settings()}

	if e.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if records, err := e.shared.Load(ctx); err == nil {
			for _, rec := range records {
				addStats(&stats, &rec, today)
			}
			return stats
		}
	}

	for _, sh := range e.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			addStats(&stats, rec, today)
		}
		sh.mu.RUnlock()
	}
	return stats
}

func addStats(stats *quota.Stats, rec *quota.UsageRecord, today string) {
	stats.TotalUsers++
	stats.TotalActions += rec.TotalActions
	if rec.DailyActions[today] > 0 {
		stats.ActiveToday++
	}
}

// Settings returns the active settings.
func (e *Engine) Settings() quota.Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings merges patch onto the active settings. The result must be
// valid; on error nothing changes. Existing blocks keep their expiry.
func (e *Engine) UpdateSettings(patch quota.SettingsPatch) (quota.Settings, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()

	next := patch.Apply(e.settings)
	if err := next.Validate(); err != nil {
		return e.settings, err
	}
	e.settings = next
	return next, nil
}

// Prune drops day and hour buckets outside the retention window and
// returns the number of buckets removed. Over a shared store each record
// held by this process is pruned with an atomic update.
func (e *Engine) Prune() int {
	day, hour := e.retention.Cutoffs(e.now())
	if e.shared != nil {
		return e.pruneShared(day, hour)
	}

	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if n := rec.Prune(day, hour); n > 0 {
				removed += n
				sh.dirty[k] = struct{}{}
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (e *Engine) pruneShared(day, hour string) int {
	var keys []string
	for _, sh := range e.shards {
		sh.mu.RLock()
		for k := range sh.records {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}

	removed := 0
	for _, k := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		n := 0
		rec, err := e.shared.Update(ctx, k, func(rec *quota.UsageRecord, found bool) bool {
			n = 0
			if !found {
				return false
			}
			n = rec.Prune(day, hour)
			return n > 0
		})
		cancel()
		if err != nil {
			continue
		}
		removed += n
		e.cache(k, rec)
	}
	return removed
}

// Snapshot returns deep copies of every record.
func (e *Engine) Snapshot() map[string]quota.UsageRecord {
	out := make(map[string]quota.UsageRecord)
	for _, sh := range e.shards {
		sh.mu.RLock()
		for k, rec := range sh.records {
			out[k] = rec.Clone()
		}
		sh.mu.RUnlock()
	}
	return out
}

// Restore loads records, replacing any held under the same key.
// Restored records are not marked dirty.
func (e *Engine) Restore(records map[string]quota.UsageRecord) {
	for k, rec := range records {
		if k == "" {
			continue
		}
		r := rec.Clone()
		r.Normalize()
		sh := e.shard(k)
		sh.mu.Lock()
		sh.records[k] = &r
		sh.mu.Unlock()
	}
}

// TakeDirty returns copies of records changed since the last call and
// clears the dirty set.
func (e *Engine) TakeDirty() map[string]quota.UsageRecord {
	out := make(map[string]quota.UsageRecord)
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k := range sh.dirty {
			if rec, ok := sh.records[k]; ok {
				out[k] = rec.Clone()
			}
		}
		sh.dirty = make(map[string]struct{})
		sh.mu.Unlock()
	}
	return out
}

// MarkDirty re-queues keys, e.g. after a failed flush.
func (e *Engine) MarkDirty(keys ...string) {
	for _, k := range keys {
		sh := e.shard(k)
		sh.mu.Lock()
		if _, ok := sh.records[k]; ok {
			sh.dirty[k] = struct{}{}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of users held by this process.
func (e *Engine) Len() int {
	total := 0
	for _, sh := range e.shards {
		sh.mu.RLock()
		total += len(sh.records)
		sh.mu.RUnlock()
	}
	return total
}
