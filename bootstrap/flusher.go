package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/quotagate/adapters/metrics"
	"github.com/artpar/quotagate/app"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// RecordFlusher writes records the engine marked dirty to the store on a
// ticker, and prunes expired buckets on a slower one. Records that fail to
// save are re-queued for the next tick.
type RecordFlusher struct {
	engine  *app.Engine
	store   ports.RecordStore
	logger  zerolog.Logger
	metrics *metrics.Collector

	flushInterval time.Duration
	pruneInterval time.Duration

	mu        sync.Mutex // serializes flushes
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// FlusherConfig configures a RecordFlusher.
type FlusherConfig struct {
	FlushInterval time.Duration // default: 5s
	PruneInterval time.Duration // default: 1h
	Metrics       *metrics.Collector
}

// NewRecordFlusher creates a flusher and starts its background loop.
func NewRecordFlusher(engine *app.Engine, store ports.RecordStore, logger zerolog.Logger, cfg FlusherConfig) *RecordFlusher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}

	f := &RecordFlusher{
		engine:        engine,
		store:         store,
		logger:        logger,
		metrics:       cfg.Metrics,
		flushInterval: cfg.FlushInterval,
		pruneInterval: cfg.PruneInterval,
		stopCh:        make(chan struct{}),
	}

	f.wg.Add(1)
	go f.loop()

	return f
}

// Flush writes all dirty records now.
func (f *RecordFlusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dirty := f.engine.TakeDirty()
	if len(dirty) == 0 {
		return nil
	}

	if err := f.store.Save(ctx, dirty); err != nil {
		keys := make([]string, 0, len(dirty))
		for k := range dirty {
			keys = append(keys, k)
		}
		f.engine.MarkDirty(keys...)
		if f.metrics != nil {
			f.metrics.StoreFlushes.WithLabelValues("error").Inc()
		}
		return err
	}

	if f.metrics != nil {
		f.metrics.StoreFlushes.WithLabelValues("ok").Inc()
		f.metrics.FlushedRecords.Add(float64(len(dirty)))
	}
	f.logger.Debug().Int("records", len(dirty)).Msg("flushed usage records")
	return nil
}

// Prune drops expired buckets from the engine; the touched records are
// written on the next flush.
func (f *RecordFlusher) Prune() int {
	n := f.engine.Prune()
	if f.metrics != nil {
		f.metrics.PrunedBuckets.Add(float64(n))
		f.metrics.TrackedUsers.Set(float64(f.engine.Len()))
	}
	if n > 0 {
		f.logger.Debug().Int("buckets", n).Msg("pruned usage buckets")
	}
	return n
}

func (f *RecordFlusher) loop() {
	defer f.wg.Done()
	flushTicker := time.NewTicker(f.flushInterval)
	defer flushTicker.Stop()
	pruneTicker := time.NewTicker(f.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := f.Flush(ctx); err != nil {
				f.logger.Error().Err(err).Msg("flush usage records failed")
			}
			cancel()
		case <-pruneTicker.C:
			f.Prune()
		case <-f.stopCh:
			return
		}
	}
}

// Close stops the flusher and writes remaining dirty records.
func (f *RecordFlusher) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.stopCh)
		f.wg.Wait()

		// Final flush with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = f.Flush(ctx)
	})
	return err
}
