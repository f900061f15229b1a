// Package pool provides a bounded worker pool with a fan-in barrier.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("worker pool is not running")

// PanicHandler receives the value recovered from a panicking task.
type PanicHandler func(recovered interface{}, stack []byte)

// Pool runs submitted tasks on a fixed number of workers.
type Pool struct {
	workers int
	tasks   chan func()
	onPanic PanicHandler

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	pending sync.WaitGroup

	tasksTotal atomic.Uint64
	tasksDone  atomic.Uint64
	panics     atomic.Uint64
}

// New creates a pool with the given number of workers.
// If workers is 0, it defaults to runtime.NumCPU().
func New(workers int, onPanic PanicHandler) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan func()),
		onPanic: onPanic,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer p.pending.Done()
	defer p.tasksDone.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if p.onPanic != nil {
				buf := make([]byte, 64<<10)
				buf = buf[:runtime.Stack(buf, false)]
				p.onPanic(r, buf)
			}
		}
	}()
	task()
}

// Submit hands task to a worker, blocking until one is free or ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}

	p.pending.Add(1)
	select {
	case p.tasks <- task:
		p.tasksTotal.Add(1)
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return fmt.Errorf("submit task: %w", ctx.Err())
	}
}

// Wait blocks until every submitted task has finished. It must not race
// with Submit.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop waits for queued work and shuts the workers down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	return Stats{
		Workers:    p.workers,
		Running:    running,
		TasksTotal: p.tasksTotal.Load(),
		TasksDone:  p.tasksDone.Load(),
		Panics:     p.panics.Load(),
	}
}

// Stats contains worker pool statistics.
type Stats struct {
	Workers    int
	Running    bool
	TasksTotal uint64
	TasksDone  uint64
	Panics     uint64
}
