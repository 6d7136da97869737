package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/job"
	"github.com/cuemby/taskgrid/pkg/queue"
	"github.com/cuemby/taskgrid/pkg/registry"
	"github.com/cuemby/taskgrid/pkg/timer"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/cuemby/taskgrid/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records frames sent to a node and reports them flushed at once
type fakeConn struct {
	frames chan *wire.Frame
	mu     sync.Mutex
	closed error
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan *wire.Frame, 64), done: make(chan struct{})}
}

func (c *fakeConn) Send(f *wire.Frame, done func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return c.closed
	}
	c.frames <- f
	if done != nil {
		go done(nil)
	}
	return nil
}

func (c *fakeConn) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		if err == nil {
			err = errors.New("closed")
		}
		c.closed = err
		close(c.done)
	}
}

type harness struct {
	t        *testing.T
	queue    *queue.Queue
	registry *registry.Registry
	d        *Dispatcher
}

func newHarness(t *testing.T, settings bundler.Settings) *harness {
	t.Helper()
	return newHarnessConfig(t, settings, Config{Shards: 2, Workers: 2, WorkerQueue: 16})
}

func newHarnessConfig(t *testing.T, settings bundler.Settings, cfg Config) *harness {
	t.Helper()
	timers := timer.NewScheduler()
	timers.Start()
	t.Cleanup(timers.Stop)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	provider, err := bundler.NewProvider(settings)
	require.NoError(t, err)

	q := queue.New(timers, broker)
	reg := registry.New()
	d := New(cfg, q, reg, timers, broker, provider)
	d.Start()
	t.Cleanup(d.Stop)
	return &harness{t: t, queue: q, registry: reg, d: d}
}

func fixedSize(n int) bundler.Settings {
	return bundler.Settings{Algorithm: bundler.AlgorithmFixed, Params: map[string]string{"size": fmt.Sprint(n)}}
}

func (h *harness) connect(uuid string, props map[string]string) *fakeConn {
	h.t.Helper()
	conn := newFakeConn()
	require.NoError(h.t, h.d.Connect(&wire.Hello{NodeUUID: uuid, Host: "localhost", Threads: 1, Properties: props}, conn))
	return conn
}

func (h *harness) submit(name string, tasks int) *job.ServerJob {
	h.t.Helper()
	payloads := make([][]byte, tasks)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("%s-%d", name, i))
	}
	sj := job.New(types.NewJob(name, payloads...))
	require.NoError(h.t, h.queue.Offer(sj))
	return sj
}

func (h *harness) reply(uuid string, m wire.Message) {
	h.t.Helper()
	f, err := wire.Encode(m)
	require.NoError(h.t, err)
	h.d.Receive(uuid, f)
}

func nextMessage(t *testing.T, conn *fakeConn) wire.Message {
	t.Helper()
	select {
	case f := <-conn.frames:
		m, err := wire.Decode(f)
		require.NoError(t, err)
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent to node")
		return nil
	}
}

func nextBundle(t *testing.T, conn *fakeConn) *wire.BundleMessage {
	t.Helper()
	m := nextMessage(t, conn)
	b, ok := m.(*wire.BundleMessage)
	require.True(t, ok, "expected a bundle, got %T", m)
	return b
}

func echo(b *wire.BundleMessage) *wire.ResultMessage {
	res := &wire.ResultMessage{JobUUID: b.JobUUID, BundleID: b.BundleID}
	for _, t := range b.Tasks {
		res.Tasks = append(res.Tasks, wire.TaskResult{Position: t.Position, Result: append([]byte("done:"), t.Payload...)})
	}
	return res
}

// serve answers every bundle with an echo until the connection closes
func (h *harness) serve(uuid string, conn *fakeConn) {
	go func() {
		for {
			select {
			case <-conn.done:
				return
			case f := <-conn.frames:
				m, err := wire.Decode(f)
				if err != nil {
					return
				}
				if b, ok := m.(*wire.BundleMessage); ok {
					out, _ := wire.Encode(echo(b))
					h.d.Receive(uuid, out)
				}
			}
		}
	}()
}

func waitDone(t *testing.T, sj *job.ServerJob) *types.JobResult {
	t.Helper()
	select {
	case <-sj.Done():
		return sj.Result()
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not complete", sj.Name())
		return nil
	}
}

func TestDispatchCompletesJobInOrder(t *testing.T) {
	h := newHarness(t, fixedSize(3))
	sj := h.submit("render", 20)
	h.serve("n1", h.connect("n1", nil))
	h.serve("n2", h.connect("n2", nil))

	res := waitDone(t, sj)
	assert.Equal(t, types.JobStateComplete, res.State)
	require.Len(t, res.Tasks, 20)
	for i, task := range res.Tasks {
		assert.Equal(t, i, task.Position)
		assert.Equal(t, fmt.Sprintf("done:render-%d", i), string(task.Result))
	}
	assert.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBundleSizeFollowsBundler(t *testing.T) {
	h := newHarness(t, fixedSize(4))
	h.submit("sized", 10)
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	assert.Len(t, b.Tasks, 4)
	assert.Equal(t, int64(1), b.BundleID)

	snap, ok := h.registry.Get("n1")
	require.True(t, ok)
	assert.Equal(t, bundler.AlgorithmFixed, snap.Bundler)
	assert.Eventually(t, func() bool {
		s, _ := h.registry.Get("n1")
		return s.Status == types.NodeStatusWaitingResults
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeLostResubmitsBundle(t *testing.T) {
	h := newHarness(t, fixedSize(5))
	sj := h.submit("lost", 5)

	lost := h.connect("lost-node", nil)
	first := nextBundle(t, lost)
	require.Len(t, first.Tasks, 5)
	h.d.Disconnect("lost-node", errors.New("connection reset"))

	h.serve("n2", h.connect("n2", nil))
	res := waitDone(t, sj)
	for i, task := range res.Tasks {
		assert.Equal(t, fmt.Sprintf("done:lost-%d", i), string(task.Result))
	}
	assert.Eventually(t, func() bool {
		_, ok := h.registry.Get("lost-node")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequeueSendsTasksAgain(t *testing.T) {
	h := newHarness(t, fixedSize(2))
	sj := h.submit("requeue", 2)
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	h.reply("n1", &wire.ResultMessage{JobUUID: b.JobUUID, BundleID: b.BundleID, Requeue: true})

	again := nextBundle(t, conn)
	assert.Equal(t, b.Tasks, again.Tasks)
	assert.Equal(t, b.BundleID+1, again.BundleID)
	h.reply("n1", echo(again))

	res := waitDone(t, sj)
	for _, task := range res.Tasks {
		assert.Equal(t, 0, task.ResubmitCount)
	}
}

func TestNodeExceptionRetriesTasks(t *testing.T) {
	h := newHarness(t, fixedSize(3))
	sj := h.submit("flaky", 3)
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	h.reply("n1", &wire.ResultMessage{JobUUID: b.JobUUID, BundleID: b.BundleID, NodeException: "disk full"})

	again := nextBundle(t, conn)
	h.reply("n1", echo(again))
	res := waitDone(t, sj)
	assert.Equal(t, types.JobStateComplete, res.State)
	assert.Equal(t, "done:flaky-2", string(res.Tasks[2].Result))
}

func TestTaskTimeoutIsNotRetried(t *testing.T) {
	h := newHarness(t, fixedSize(2))
	j := types.NewJob("bounded", []byte("a"), []byte("b"))
	j.Tasks[1].Timeout = &types.Schedule{Delay: 50 * time.Millisecond}
	sj := job.New(j)
	require.NoError(t, h.queue.Offer(sj))
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	require.Len(t, b.Tasks, 2)
	assert.Nil(t, b.Tasks[0].Timeout)
	require.NotNil(t, b.Tasks[1].Timeout)
	assert.Equal(t, 50*time.Millisecond, b.Tasks[1].Timeout.Delay)

	res := echo(b)
	res.Tasks[1] = wire.TaskResult{Position: 1, Exception: "task timed out after 50ms"}
	h.reply("n1", res)

	out := waitDone(t, sj)
	assert.Equal(t, types.JobStateComplete, out.State)
	assert.Equal(t, "task timed out after 50ms", out.Tasks[1].Exception)
	assert.Zero(t, out.Tasks[1].ResubmitCount)
	select {
	case f := <-conn.frames:
		m, _ := wire.Decode(f)
		t.Fatalf("unexpected frame after completion: %T", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMismatchedResultFailsNode(t *testing.T) {
	h := newHarness(t, fixedSize(1))
	h.submit("strict", 1)
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	h.reply("n1", &wire.ResultMessage{JobUUID: b.JobUUID, BundleID: b.BundleID + 7})

	select {
	case <-conn.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	var pe *wire.ProtocolError
	assert.ErrorAs(t, conn.closed, &pe)
}

func TestUndecodableFrameFailsNode(t *testing.T) {
	h := newHarness(t, fixedSize(1))
	conn := h.connect("n1", nil)
	h.d.Receive("n1", &wire.Frame{Data: []byte{0xff, 0xff}})

	select {
	case <-conn.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	snap, ok := h.registry.Get("n1")
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusFailed, snap.Status)
}

func TestReservationInPlace(t *testing.T) {
	h := newHarness(t, fixedSize(5))
	j := types.NewJob("gpu", []byte("a"), []byte("b"))
	j.SLA.MaxNodes = 1
	j.SLA.DesiredNodeConfiguration = &types.NodeConfigSpec{Configuration: map[string]string{"gpu": "on"}}
	sj := job.New(j)
	require.NoError(t, h.queue.Offer(sj))

	conn := h.connect("n1", map[string]string{"gpu": "off"})
	ctl, ok := nextMessage(t, conn).(*wire.Control)
	require.True(t, ok)
	assert.Equal(t, wire.ControlReconfigure, ctl.Kind)
	assert.Equal(t, "on", ctl.Properties["gpu"])
	assert.Equal(t, j.UUID, ctl.Properties[types.PropReservedJob])
	assert.Equal(t, "n1", ctl.Properties[types.PropReservedUUID])
	assert.False(t, ctl.Restart)

	state, reserved := h.registry.Reservations().State("n1")
	assert.Equal(t, types.ReservationPending, state)
	assert.Equal(t, j.UUID, reserved)

	// The node applies the configuration and reports it
	h.reply("n1", &wire.Hello{
		NodeUUID:     "n1",
		Threads:      1,
		Properties:   map[string]string{"gpu": "on"},
		ReservedJob:  j.UUID,
		ReservedUUID: "n1",
	})
	b := nextBundle(t, conn)
	assert.Equal(t, j.UUID, b.JobUUID)
	h.reply("n1", echo(b))
	waitDone(t, sj)
}

func TestUnconfirmedReservationTimesOut(t *testing.T) {
	h := newHarnessConfig(t, fixedSize(5), Config{Shards: 2, Workers: 2, WorkerQueue: 16, ReservationTimeout: 100 * time.Millisecond})
	gpu := types.NewJob("gpu", []byte("a"))
	gpu.SLA.DesiredNodeConfiguration = &types.NodeConfigSpec{Configuration: map[string]string{"gpu": "on"}}
	require.NoError(t, h.queue.Offer(job.New(gpu)))

	conn := h.connect("n1", map[string]string{"gpu": "off"})
	ctl, ok := nextMessage(t, conn).(*wire.Control)
	require.True(t, ok)
	assert.False(t, ctl.Restart)

	// The node stays connected but never confirms the configuration
	plain := h.submit("plain", 2)
	b := nextBundle(t, conn)
	assert.Equal(t, plain.UUID(), b.JobUUID)
	state, _ := h.registry.Reservations().State("n1")
	assert.Equal(t, types.ReservationNone, state)

	h.reply("n1", echo(b))
	waitDone(t, plain)
}

func TestReservationSurvivesRestart(t *testing.T) {
	h := newHarness(t, fixedSize(5))
	j := types.NewJob("mem", []byte("a"))
	j.SLA.MaxNodes = 1
	j.SLA.DesiredNodeConfiguration = &types.NodeConfigSpec{
		Configuration: map[string]string{"mem": "64g"},
		ForceRestart:  true,
	}
	sj := job.New(j)
	require.NoError(t, h.queue.Offer(sj))

	old := h.connect("old", nil)
	ctl, ok := nextMessage(t, old).(*wire.Control)
	require.True(t, ok)
	assert.True(t, ctl.Restart)

	h.d.Disconnect("old", nil)
	assert.Eventually(t, func() bool {
		_, pending := h.registry.Reservations().PendingJob("old")
		_, connected := h.registry.Get("old")
		return pending && !connected
	}, 2*time.Second, 10*time.Millisecond)

	fresh := newFakeConn()
	require.NoError(t, h.d.Connect(&wire.Hello{
		NodeUUID:     "new",
		Threads:      1,
		Properties:   map[string]string{"mem": "64g"},
		ReservedJob:  j.UUID,
		ReservedUUID: "old",
	}, fresh))
	h.serve("new", fresh)
	waitDone(t, sj)

	got, ok := h.registry.Reservations().ReadyJob("new")
	assert.True(t, ok)
	assert.Equal(t, j.UUID, got)
}

func TestLoadBalancerChangeAppliesAtIdle(t *testing.T) {
	h := newHarness(t, fixedSize(1))
	h.submit("balance", 10)
	conn := h.connect("n1", nil)

	b := nextBundle(t, conn)
	assert.Len(t, b.Tasks, 1)

	p, err := bundler.NewProvider(fixedSize(4))
	require.NoError(t, err)
	h.d.SetProvider(p)
	h.reply("n1", echo(b))

	b = nextBundle(t, conn)
	assert.Len(t, b.Tasks, 4)
}

func TestMaxNodesLimitsConcurrentBundles(t *testing.T) {
	h := newHarness(t, fixedSize(1))
	j := types.NewJob("single", []byte("a"), []byte("b"), []byte("c"))
	j.SLA.MaxNodes = 1
	sj := job.New(j)
	require.NoError(t, h.queue.Offer(sj))

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = h.connect(fmt.Sprintf("n%d", i), nil)
	}

	// Exactly one node gets a bundle
	time.Sleep(200 * time.Millisecond)
	busy := 0
	for _, c := range conns {
		busy += len(c.frames)
	}
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, sj.InFlightNodes())
}
