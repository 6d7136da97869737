package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/rs/zerolog"
)

type entry struct {
	key   string
	at    time.Time
	fn    func()
	index int
}

type entries []*entry

func (e entries) Len() int           { return len(e) }
func (e entries) Less(i, j int) bool { return e[i].at.Before(e[j].at) }
func (e entries) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
	e[i].index = i
	e[j].index = j
}

func (e *entries) Push(x any) {
	it := x.(*entry)
	it.index = len(*e)
	*e = append(*e, it)
}

func (e *entries) Pop() any {
	old := *e
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*e = old[:n-1]
	return it
}

// Scheduler runs callbacks at deadlines from a single goroutine
type Scheduler struct {
	mu     sync.Mutex
	heap   entries
	byKey  map[string]*entry
	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewScheduler creates a scheduler; call Start before deadlines can fire
func NewScheduler() *Scheduler {
	return &Scheduler{
		byKey:  make(map[string]*entry),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("timer"),
	}
}

// Start begins the timer loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the timer loop; pending callbacks never fire
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Schedule registers fn to run at the given time, replacing any callback
// already registered under key. Deadlines in the past fire immediately.
func (s *Scheduler) Schedule(key string, at time.Time, fn func()) {
	s.mu.Lock()
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, old.index)
	}
	e := &entry{key: key, at: at, fn: fn}
	heap.Push(&s.heap, e)
	s.byKey[key] = e
	s.mu.Unlock()
	s.wake()
}

// Cancel removes the callback registered under key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byKey, key)
	return true
}

// Len returns the number of pending callbacks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		due, next := s.popDue(time.Now())
		for _, e := range due {
			s.fire(e)
		}

		if next.IsZero() {
			t.Reset(time.Hour)
		} else {
			t.Reset(time.Until(next))
		}

		select {
		case <-t.C:
		case <-s.wakeCh:
		case <-s.stopCh:
			return
		}
	}
}

// popDue removes every entry due at now and returns the next deadline
func (s *Scheduler) popDue(now time.Time) ([]*entry, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].at.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	if len(s.heap) == 0 {
		return due, time.Time{}
	}
	return due, s.heap[0].at
}

func (s *Scheduler) fire(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("key", e.key).
				Interface("panic", r).
				Msg("Timer callback panicked")
		}
	}()
	e.fn()
}
