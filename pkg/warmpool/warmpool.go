// Package warmpool keeps one pre-provisioned container ready so the common
// spawn path (default image, transient) skips image pull and engine create
// latency. The pool owns its parked container until a claim transfers it
// out; a background loop health-checks the slot and refills it.
//
//	Start ──> provision ──> park ──> [health tick ...]
//	Claim ──> transfer out ──> async refill
package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/types"
)

// scrubCmd empties /workspace between the pool's provision and a claim.
const scrubCmd = "rm -rf /workspace/* /workspace/.* 2>/dev/null || true"

// ContainerManager is the lifecycle surface the pool drives.
type ContainerManager interface {
	Create(ctx context.Context, req container.CreateRequest) (*types.Container, error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
}

// Pool maintains the single warm slot.
type Pool struct {
	cm      ContainerManager
	store   storage.Store
	runtime runtime.Runtime

	image    string
	enabled  bool
	interval time.Duration

	mu   sync.Mutex
	warm *types.Container

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool. image is the default image the pool pre-provisions;
// interval is the health-check period.
func New(cm ContainerManager, store storage.Store, rt runtime.Runtime, image string, enabled bool, interval time.Duration) *Pool {
	return &Pool{
		cm:       cm,
		store:    store,
		runtime:  rt,
		image:    image,
		enabled:  enabled,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start provisions the initial slot and launches the health loop. A failed
// initial provision is logged, not fatal; the health loop retries.
func (p *Pool) Start(ctx context.Context) {
	logger := log.WithComponent("warmpool")
	if !p.enabled {
		logger.Info().Msg("Warm pool disabled")
		return
	}

	if err := p.provision(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial warm container provision failed")
	}

	p.wg.Add(1)
	go p.healthLoop()
	logger.Info().Str("image", p.image).Dur("interval", p.interval).Msg("Warm pool started")
}

// Claim hands the warm container to a caller, or returns nil when the slot
// is empty. A requested alias is applied best-effort: if it is already
// taken, the claim still succeeds and the container stays aliasless.
func (p *Pool) Claim(ctx context.Context, alias string) *types.Container {
	p.mu.Lock()
	c := p.warm
	p.warm = nil
	p.mu.Unlock()

	if c == nil {
		metrics.WarmPoolClaimsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	if alias != "" {
		if err := p.store.UpdateContainerAlias(ctx, c.ID, alias); err != nil {
			logger := log.WithComponent("warmpool")
			logger.Warn().
				Err(err).
				Str("container_id", c.ID).
				Str("alias", alias).
				Msg("Could not apply alias to claimed container")
		} else {
			c.Alias = &alias
		}
	}

	metrics.WarmPoolClaimsTotal.WithLabelValues("hit").Inc()

	// Refill off the claim path.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		refillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := p.provision(refillCtx); err != nil {
			logger := log.WithComponent("warmpool")
			logger.Warn().Err(err).Msg("Warm pool refill failed")
		}
	}()

	return c
}

// Ready reports whether the slot currently holds a container.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warm != nil
}

// Stop halts the health loop and removes the parked container.
func (p *Pool) Stop() {
	if !p.enabled {
		return
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	c := p.warm
	p.warm = nil
	p.mu.Unlock()

	if c != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.cm.Remove(ctx, c.ID, true); err != nil {
			logger := log.WithComponent("warmpool")
			logger.Warn().
				Err(err).
				Str("container_id", c.ID).
				Msg("Failed to remove parked warm container")
		}
	}
}

// provision creates, starts, and scrubs a fresh container, then parks it.
// A slot filled while provisioning ran wins; the extra container is
// removed.
func (p *Pool) provision(ctx context.Context) error {
	c, err := p.cm.Create(ctx, container.CreateRequest{Image: p.image})
	if err != nil {
		return err
	}
	if err := p.cm.Start(ctx, c.ID); err != nil {
		p.discard(ctx, c.ID)
		return err
	}
	if err := p.scrub(ctx, c); err != nil {
		p.discard(ctx, c.ID)
		return err
	}

	p.mu.Lock()
	occupied := p.warm != nil
	if !occupied {
		p.warm = c
	}
	p.mu.Unlock()

	if occupied {
		p.discard(ctx, c.ID)
	}
	return nil
}

func (p *Pool) scrub(ctx context.Context, c *types.Container) error {
	_, _, _, err := p.runtime.RunExec(ctx, c.DockerID, runtime.ExecSpec{
		Cmd:  []string{"sh", "-c", scrubCmd},
		User: "1000",
	})
	return err
}

func (p *Pool) discard(ctx context.Context, id string) {
	if err := p.cm.Remove(ctx, id, true); err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().
			Err(err).
			Str("container_id", id).
			Msg("Failed to discard surplus warm container")
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthCheck()
		}
	}
}

// healthCheck verifies the parked container still runs and answers a
// trivial exec; anything less replaces it. An empty slot is refilled.
func (p *Pool) healthCheck() {
	logger := log.WithComponent("warmpool")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p.mu.Lock()
	c := p.warm
	p.mu.Unlock()

	if c == nil {
		if err := p.provision(ctx); err != nil {
			logger.Warn().Err(err).Msg("Warm pool refill failed")
		}
		return
	}

	if p.healthy(ctx, c) {
		return
	}

	logger.Warn().
		Str("container_id", c.ID).
		Msg("Warm container unhealthy, replacing")

	p.mu.Lock()
	if p.warm == c {
		p.warm = nil
	}
	p.mu.Unlock()

	p.discard(ctx, c.ID)
	if err := p.provision(ctx); err != nil {
		logger.Warn().Err(err).Msg("Warm pool refill failed")
	}
}

func (p *Pool) healthy(ctx context.Context, c *types.Container) bool {
	info, err := p.runtime.InspectContainer(ctx, c.DockerID)
	if err != nil || !info.Running() {
		return false
	}
	exit, _, _, err := p.runtime.RunExec(ctx, c.DockerID, runtime.ExecSpec{
		Cmd:  []string{"echo", "health_check"},
		User: "1000",
	})
	return err == nil && exit == 0
}
