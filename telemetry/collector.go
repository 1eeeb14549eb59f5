package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsFunc reports the number of stored cache entries and how many of them
// are past their expiry.
type StatsFunc func(ctx context.Context) (entries, expired int, err error)

// PurgeFunc removes expired entries and returns how many went away.
type PurgeFunc func(ctx context.Context) (int64, error)

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	stats    StatsFunc
	purge    PurgeFunc
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. When purge is non-nil it
// runs after every snapshot that saw expired entries.
func NewMetricsCollector(stats StatsFunc, purge PurgeFunc, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		stats:    stats,
		purge:    purge,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	entries, expired, err := mc.stats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Cache stats collection failed")
		return
	}
	UpdateCacheEntries(entries-expired, expired)

	if mc.purge == nil || expired == 0 {
		return
	}
	purged, err := mc.purge(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Expired cache purge failed")
		return
	}
	CachePurgedTotal.Add(float64(purged))
}
