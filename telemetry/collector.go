package telemetry

import (
	"sync"
	"time"
)

// RegistryStats is a point-in-time summary of the local tablet registry
type RegistryStats struct {
	Tablets          int
	Replicas         int
	DeletePredicates int
	DirtyReplicas    int
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	RegistryStats() RegistryStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
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
	if mc.provider == nil {
		return
	}

	stats := mc.provider.RegistryStats()
	TabletsTotal.Set(float64(stats.Tablets))
	TabletReplicas.Set(float64(stats.Replicas))
	DeletePredicatesActive.Set(float64(stats.DeletePredicates))
	DirtyReplicas.Set(float64(stats.DirtyReplicas))
}
