// Package maintenance runs the periodic background cycle: every interval
// it drives a full reconciliation pass, which also covers transient
// garbage collection and exec retention.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/reconciler"
)

// retryDelay is how long to wait before the single retry after a failed run.
const retryDelay = time.Minute

// Reconciler is the cycle the loop drives.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciler.Stats, error)
}

// Loop schedules periodic maintenance runs.
type Loop struct {
	engine   Reconciler
	interval time.Duration

	retryDelay time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a maintenance Loop running every interval.
func New(engine Reconciler, interval time.Duration) *Loop {
	return &Loop{
		engine:     engine,
		interval:   interval,
		retryDelay: retryDelay,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
	logger := log.WithComponent("maintenance")
	logger.Info().
		Dur("interval", l.interval).
		Msg("Maintenance loop started")
}

// Stop halts the loop and waits for an in-flight run to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	logger := log.WithComponent("maintenance")
	logger.Info().Msg("Maintenance loop stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.runOnce()
		}
	}
}

// runOnce executes one maintenance pass. A failed pass is retried once
// after a short delay; a second failure waits for the next tick.
func (l *Loop) runOnce() {
	logger := log.WithComponent("maintenance")

	if err := l.cycle(); err != nil {
		logger.Error().Err(err).Msg("Maintenance run failed, retrying once")
		metrics.MaintenanceRunsTotal.WithLabelValues("error").Inc()

		select {
		case <-l.stopCh:
			return
		case <-time.After(l.retryDelay):
		}

		if err := l.cycle(); err != nil {
			logger.Error().Err(err).Msg("Maintenance retry failed, waiting for next interval")
			metrics.MaintenanceRunsTotal.WithLabelValues("error").Inc()
			return
		}
	}

	metrics.MaintenanceRunsTotal.WithLabelValues("success").Inc()
}

func (l *Loop) cycle() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	_, err := l.engine.Reconcile(ctx)
	return err
}
