package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"table-sync-service/internal/config"
)

func TestWorkerPoolHandlesEveryCandidate(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	pool := NewWorkerPool(context.Background(), 3, func(ctx context.Context, c Candidate) {
		mu.Lock()
		defer mu.Unlock()
		seen[c.Key] = true
	})
	pool.Start()

	for _, k := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		assert.True(t, pool.Submit(Candidate{Table: "orders", Key: k}))
	}
	pool.Wait()

	assert.Len(t, seen, 7)
}

func TestWorkerPoolStopsAcceptingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handled atomic.Int32

	pool := NewWorkerPool(ctx, 1, func(ctx context.Context, c Candidate) {
		handled.Add(1)
	})
	cancel()

	// Nothing drains the queue, so once it is full Submit must give up.
	ok := true
	for i := 0; i < 3 && ok; i++ {
		ok = pool.Submit(Candidate{Key: "k"})
	}
	assert.False(t, ok)

	pool.Start()
	pool.Wait()
	assert.LessOrEqual(t, handled.Load(), int32(1))
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{Enabled: false}, nil)
	assert.NoError(t, s.Start())
	s.Stop()
}

func TestSchedulerRejectsBadInterval(t *testing.T) {
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "every tuesday"}, nil)
	assert.Error(t, s.Start())
}

func TestSchedulerSkipsWhileRunning(t *testing.T) {
	f := setupFixture(t, 0)
	s := NewScheduler(config.SchedulerConfig{Enabled: true, Interval: "@every 1h"}, f.manager)

	assert.NoError(t, f.manager.begin())
	s.triggerSync()
	assert.Nil(t, f.manager.LastResult())
	f.manager.finish(nil)
}
