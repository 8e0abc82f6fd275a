package metrics

import (
	"context"
	"time"

	"github.com/benchd/benchd/pkg/types"
)

// StateCounter is the slice of the store the collector reads.
type StateCounter interface {
	CountContainersByStatus(ctx context.Context, status types.ContainerStatus) (int, error)
	CountActiveAttachments(ctx context.Context) (int, error)
	CountActiveExecs(ctx context.Context) (int, error)
}

// Collector refreshes the state gauges from the store on a ticker
type Collector struct {
	store    StateCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store StateCounter) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if running, err := c.store.CountContainersByStatus(ctx, types.ContainerStatusRunning); err == nil {
		ContainersActive.Set(float64(running))
	}

	if attached, err := c.store.CountActiveAttachments(ctx); err == nil {
		AttachmentsActive.Set(float64(attached))
	}

	if active, err := c.store.CountActiveExecs(ctx); err == nil {
		ExecsActive.Set(float64(active))
	}
}
