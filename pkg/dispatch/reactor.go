package dispatch

import (
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/rs/zerolog"
)

// shard runs the callbacks posted for the nodes pinned to it, one at a time
type shard struct {
	mu      sync.Mutex
	pending []func()
	wakeCh  chan struct{}
}

func (s *shard) post(fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *shard) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// Reactor serializes the events of each node on a fixed set of goroutines.
// A node is pinned to one shard by its UUID, so callbacks for the same node
// never run concurrently and node state needs no lock.
type Reactor struct {
	shards  []*shard
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  zerolog.Logger
}

// NewReactor creates a reactor with n shards; n < 2 selects runtime.NumCPU(), at least 2
func NewReactor(n int) *Reactor {
	if n < 2 {
		n = runtime.NumCPU()
		if n < 2 {
			n = 2
		}
	}
	r := &Reactor{
		shards: make([]*shard, n),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("reactor"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{wakeCh: make(chan struct{}, 1)}
	}
	return r
}

// Start launches one goroutine per shard
func (r *Reactor) Start() {
	for _, s := range r.shards {
		r.wg.Add(1)
		go r.run(s)
	}
}

// Stop ends every shard loop; callbacks still queued are dropped
func (r *Reactor) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

// Post queues fn on the shard owning key. It never blocks and reports false
// once the reactor is stopped.
func (r *Reactor) Post(key string, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false
	}
	r.shards[r.shardOf(key)].post(fn)
	return true
}

// Shards returns the number of shards
func (r *Reactor) Shards() int {
	return len(r.shards)
}

func (r *Reactor) shardOf(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.shards)))
}

func (r *Reactor) run(s *shard) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-s.wakeCh:
			for _, fn := range s.take() {
				r.call(fn)
			}
		}
	}
}

func (r *Reactor) call(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Node event handler panicked")
		}
	}()
	fn()
}
