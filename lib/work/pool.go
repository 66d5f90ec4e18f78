// Package work provides a fixed-size worker pool shared by every port of a
// module, so inbound call dispatch runs on one bounded concurrency budget
// module-wide rather than per-link.
package work

import (
	"fmt"
	"sync"
)

// Pool runs submitted tasks on a fixed number of worker goroutines.
// The size is fixed at construction and never resized.
type Pool struct {
	tasks chan func()

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool with the given number of workers.
// A size below one is raised to one.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}

	p := &Pool{
		tasks: make(chan func(), size*4),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task for execution. It blocks while the queue is full
// and returns an error once the pool has been closed.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is closed")
	}

	p.tasks <- task
	return nil
}

// Close stops accepting tasks, drains the queue, and waits for every worker
// to finish. It is safe to call more than once; every caller waits for the
// drain to complete.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})

	p.wg.Wait()
}
