// Package workpool runs submitted tasks on a fixed set of worker goroutines.
package workpool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed = errors.New("workpool is closed")
	ErrFull   = errors.New("workpool queue is full")
)

type Task func()

type Stats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Panicked  uint64
	Queued    int
}

type Pool struct {
	log   *slog.Logger
	size  int
	tasks chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New starts size workers fed by a queue of depth tasks. size <= 0 means
// GOMAXPROCS, depth <= 0 means four slots per worker.
func New(size, depth int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if depth <= 0 {
		depth = size * 4
	}
	p := &Pool{
		log:   slog.With("src", "Workpool"),
		size:  size,
		tasks: make(chan Task, depth),
	}
	p.wg.Add(size)
	for i := range size {
		go p.work(i)
	}
	return p
}

var (
	defaultOnce sync.Once
	defaultPool *Pool
)

// Default returns the process-wide pool, started on first use. It is never
// closed.
func Default() *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(0, 0)
	})
	return defaultPool
}

func (p *Pool) Size() int { return p.size }

// Submit queues t, waiting for room if the queue is full.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return fmt.Errorf("workpool: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.submitted.Add(1)
	p.tasks <- t
	return nil
}

// TrySubmit is Submit without the wait.
func (p *Pool) TrySubmit(t Task) error {
	if t == nil {
		return fmt.Errorf("workpool: nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- t:
		p.submitted.Add(1)
		return nil
	default:
		return ErrFull
	}
}

// Close stops accepting tasks, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.size,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.tasks),
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.log.Error("task panicked", "worker", id, "panic", r)
		}
		p.completed.Add(1)
	}()
	t()
}
