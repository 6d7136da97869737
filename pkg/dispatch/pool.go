package dispatch

import (
	"runtime"
	"sync"

	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/rs/zerolog"
)

// WorkerPool runs CPU work (frame encoding, result folding) off the reactor
// on a bounded number of goroutines.
type WorkerPool struct {
	size    int
	tasks   chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  zerolog.Logger
}

// NewWorkerPool creates a pool of size goroutines with a queue of queueLen
// tasks. size < 1 selects runtime.NumCPU().
func NewWorkerPool(size, queueLen int) *WorkerPool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	if queueLen < size {
		queueLen = size
	}
	return &WorkerPool{
		size:   size,
		tasks:  make(chan func(), queueLen),
		logger: log.WithComponent("worker-pool"),
	}
}

// Start launches the workers
func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Submit queues fn, blocking while the queue is full. It reports false once
// the pool is stopped.
func (p *WorkerPool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.tasks <- fn
	return true
}

// Stop drains queued tasks and waits for the workers to exit
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for fn := range p.tasks {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Worker task panicked")
		}
	}()
	fn()
}
