package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"table-sync-service/internal/logger"
)

// Handler processes one candidate. It must not return before its record
// is fully handled.
type Handler func(ctx context.Context, c Candidate)

type WorkerPool struct {
	workers []*Worker
	jobs    chan Candidate
	handle  Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorkerPool(ctx context.Context, size int, handle Handler) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers: make([]*Worker, size),
		jobs:    make(chan Candidate, size),
		handle:  handle,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < size; i++ {
		pool.workers[i] = newWorker(i, pool)
	}

	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Debug("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
}

// Submit queues c. It returns false once the pool's context is done.
func (p *WorkerPool) Submit(c Candidate) bool {
	select {
	case p.jobs <- c:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Wait lets the workers drain the queue and stops them.
func (p *WorkerPool) Wait() {
	close(p.jobs)
	p.wg.Wait()
	p.cancel()
	logger.Log.Debug("Stopped worker pool")
}

type Worker struct {
	id   int
	pool *WorkerPool
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	for c := range w.pool.jobs {
		logger.Log.Debug("Processing candidate",
			zap.Int("workerID", w.id),
			zap.String("table", c.Table),
			zap.String("key", c.Key),
			zap.Stringer("source", c.Source),
		)
		w.pool.handle(w.pool.ctx, c)
	}
}
