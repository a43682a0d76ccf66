package timeout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolStats tracks callback pool counters.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("timeout callback pool is closed")

// WorkerPool runs timeout callbacks with bounded concurrency.
type WorkerPool struct {
	slots   chan struct{}
	wg      sync.WaitGroup
	stats   PoolStats
	mu      sync.Mutex
	closing chan struct{}
	closed  bool
	logger  *slog.Logger

	// onActive, when set, receives the active count after every change.
	onActive func(active int64)
}

// NewWorkerPool creates a pool running at most size callbacks at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
		logger:  logger,
	}
}

// Go runs fn on the pool. It blocks while every slot is busy and gives up when
// ctx is cancelled or the pool closes. A panic in fn is recovered and counted.
func (p *WorkerPool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}

	// wg.Add must happen under the lock so Close cannot start waiting in between.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.reportActive(atomic.AddInt64(&p.stats.Active, 1))
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
				p.logger.Error("timeout callback panicked",
					slog.String("task", name),
					slog.Any("panic", r),
				)
			}
			p.reportActive(atomic.AddInt64(&p.stats.Active, -1))
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
			return
		}
		atomic.AddInt64(&p.stats.Completed, 1)
	}()

	return nil
}

func (p *WorkerPool) reportActive(n int64) {
	if p.onActive != nil {
		p.onActive(n)
	}
}

// Wait blocks until all submitted callbacks return.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects further work and waits for running callbacks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
