package timer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestScheduleFiresInDeadlineOrder(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			if len(order) == 3 {
				close(done)
			}
		}
	}

	now := time.Now()
	s.Schedule("c", now.Add(60*time.Millisecond), record("c"))
	s.Schedule("a", now.Add(20*time.Millisecond), record("a"))
	s.Schedule("b", now.Add(40*time.Millisecond), record("b"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, s.Len())
}

func TestCancel(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	s.Schedule("job", time.Now().Add(50*time.Millisecond), func() { fired <- struct{}{} })
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Cancel("job"))
	assert.False(t, s.Cancel("job"))

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestScheduleReplacesKey(t *testing.T) {
	s := NewScheduler()
	s.Start()
	defer s.Stop()

	got := make(chan string, 2)
	s.Schedule("k", time.Now().Add(time.Hour), func() { got <- "old" })
	s.Schedule("k", time.Now(), func() { got <- "new" })
	assert.Equal(t, "new", <-got)
	assert.Equal(t, 0, s.Len())
}

func TestPanickingCallbackDoesNotStopLoop(t *testing.T) {
	var buf syncBuffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	s := NewScheduler()
	s.Start()
	defer s.Stop()

	ok := make(chan struct{})
	s.Schedule("bad", time.Now(), func() { panic("boom") })
	s.Schedule("good", time.Now().Add(10*time.Millisecond), func() { close(ok) })

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after panic")
	}
	out := buf.String()
	assert.Contains(t, out, `"component":"timer"`)
	assert.Contains(t, out, `"key":"bad"`)
	assert.Contains(t, out, "Timer callback panicked")
}

// syncBuffer is a bytes.Buffer safe for the timer goroutine to write to
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
