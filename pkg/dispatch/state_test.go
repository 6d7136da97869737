package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "dispatch from idle", from: StateIdle, event: EvDispatch, want: StateSending},
		{name: "flushed", from: StateSending, event: EvFlushed, want: StateWaitingResults},
		{name: "results", from: StateWaitingResults, event: EvResults, want: StateIdle},
		{name: "results overtake flush", from: StateSending, event: EvResults, want: StateIdle},
		{name: "node error", from: StateWaitingResults, event: EvNodeError, want: StateIdle},
		{name: "encode failure", from: StateSending, event: EvNodeError, want: StateIdle},
		{name: "transport error while waiting", from: StateWaitingResults, event: EvTransportError, want: StateFailed},
		{name: "close from idle", from: StateIdle, event: EvClose, want: StateFailed},
		{name: "close from failed", from: StateFailed, event: EvClose, want: StateFailed},
		{name: "results while idle", from: StateIdle, event: EvResults, want: StateIdle, wantErr: true},
		{name: "double dispatch", from: StateSending, event: EvDispatch, want: StateSending, wantErr: true},
		{name: "flush while waiting", from: StateWaitingResults, event: EvFlushed, want: StateWaitingResults, wantErr: true},
		{name: "dispatch to failed node", from: StateFailed, event: EvDispatch, want: StateFailed, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				var te *TransitionError
				assert.ErrorAs(t, err, &te)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateNodeStatus(t *testing.T) {
	assert.Equal(t, types.NodeStatusIdle, StateIdle.NodeStatus())
	assert.Equal(t, types.NodeStatusSending, StateSending.NodeStatus())
	assert.Equal(t, types.NodeStatusWaitingResults, StateWaitingResults.NodeStatus())
	assert.Equal(t, types.NodeStatusFailed, StateFailed.NodeStatus())
}

func TestReactorSerializesPerKey(t *testing.T) {
	r := NewReactor(4)
	r.Start()
	defer r.Stop()

	var (
		mu      sync.Mutex
		running = map[string]bool{}
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	keys := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 200; i++ {
		key := keys[i%len(keys)]
		wg.Add(1)
		require.True(t, r.Post(key, func() {
			defer wg.Done()
			mu.Lock()
			if running[key] {
				overlap.Store(true)
			}
			running[key] = true
			mu.Unlock()

			time.Sleep(100 * time.Microsecond)

			mu.Lock()
			running[key] = false
			mu.Unlock()
		}))
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestReactorKeepsOrderAndRecovers(t *testing.T) {
	r := NewReactor(2)
	r.Start()

	var got []int
	done := make(chan struct{})
	r.Post("node", func() { panic("boom") })
	for i := 0; i < 10; i++ {
		i := i
		r.Post("node", func() {
			got = append(got, i)
			if i == 9 {
				close(done)
			}
		})
	}
	<-done
	r.Stop()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.False(t, r.Post("node", func() {}))
}

func TestWorkerPool(t *testing.T) {
	p := NewWorkerPool(3, 4)
	p.Start()

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.True(t, p.Submit(func() { count.Add(1) }))
	}
	require.True(t, p.Submit(func() { panic("recovered") }))
	p.Stop()

	assert.Equal(t, int32(50), count.Load())
	assert.False(t, p.Submit(func() {}))
}
