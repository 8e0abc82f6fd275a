package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchd/benchd/pkg/reconciler"
)

type scriptedEngine struct {
	calls atomic.Int32
	errs  []error // per-call results, nil past the end
}

func (s *scriptedEngine) Reconcile(ctx context.Context) (*reconciler.Stats, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) {
		return nil, s.errs[n]
	}
	return &reconciler.Stats{}, nil
}

func TestLoopRunsOnInterval(t *testing.T) {
	engine := &scriptedEngine{}
	loop := New(engine, 20*time.Millisecond)
	loop.Start()
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return engine.calls.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLoopRetriesOnce(t *testing.T) {
	engine := &scriptedEngine{errs: []error{errors.New("engine unavailable")}}
	loop := New(engine, 20*time.Millisecond)
	loop.retryDelay = 5 * time.Millisecond
	loop.Start()
	defer loop.Stop()

	// First tick fails, the retry succeeds, then normal ticks continue.
	require.Eventually(t, func() bool {
		return engine.calls.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLoopGivesUpAfterSecondFailure(t *testing.T) {
	engine := &scriptedEngine{errs: []error{
		errors.New("down"), errors.New("still down"),
	}}
	loop := New(engine, 20*time.Millisecond)
	loop.retryDelay = 5 * time.Millisecond
	loop.Start()
	defer loop.Stop()

	// After the failed retry the loop waits for the next tick rather than
	// retrying in a tight loop.
	require.Eventually(t, func() bool {
		return engine.calls.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStopHaltsLoop(t *testing.T) {
	engine := &scriptedEngine{}
	loop := New(engine, 10*time.Millisecond)
	loop.Start()

	require.Eventually(t, func() bool {
		return engine.calls.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	loop.Stop()
	after := engine.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, engine.calls.Load())
}
