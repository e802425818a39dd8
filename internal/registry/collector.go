package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tu10ng/bspterm-sub000/internal/metrics"
)

// Collector periodically removes ended terminals from the registry and
// publishes per-source gauges.
type Collector struct {
	registry *Registry
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector; a zero interval means 15 seconds.
func NewCollector(registry *Registry, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		registry: registry,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start collects until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop stops the collector. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	if reaped := c.registry.Cleanup(); reaped > 0 {
		metrics.RegistryReapedTotal.Add(float64(reaped))
		log.Debug().Int("reaped", reaped).Msg("Removed ended terminals from registry")
	}

	metrics.RegistryTerminals.Reset()
	for _, entry := range c.registry.List() {
		metrics.RegistryTerminals.WithLabelValues(entry.Source, entry.Protocol).Inc()
	}
}
