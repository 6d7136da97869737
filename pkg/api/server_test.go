package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/client"
	"github.com/cuemby/taskgrid/pkg/driver"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/node"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type grid struct {
	t      *testing.T
	driver *driver.Driver
	server *Server
	addr   string
}

func newGrid(t *testing.T, settings bundler.Settings) *grid {
	t.Helper()
	cfg := driver.DefaultConfig()
	cfg.LoadBalancer = settings
	d, err := driver.New(cfg, nil)
	require.NoError(t, err)
	d.Start()

	srv := NewServer(d)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)

	t.Cleanup(func() {
		srv.Stop()
		d.Stop()
	})
	return &grid{t: t, driver: d, server: srv, addr: lis.Addr().String()}
}

func fixed(size int) bundler.Settings {
	return bundler.Settings{Algorithm: bundler.AlgorithmFixed, Params: map[string]string{"size": fmt.Sprint(size)}}
}

// startNode runs an agent until the test ends; the returned channel yields
// Run's result
func (g *grid) startNode(cfg node.Config) (*node.Agent, context.CancelFunc, <-chan error) {
	g.t.Helper()
	cfg.DriverAddr = g.addr
	cfg.ReconnectDelay = 100 * time.Millisecond
	if cfg.Threads == 0 {
		cfg.Threads = 2
	}
	a, err := node.New(cfg)
	require.NoError(g.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	g.t.Cleanup(cancel)
	return a, cancel, done
}

func (g *grid) waitNodes(n int) {
	g.t.Helper()
	require.Eventually(g.t, func() bool { return len(g.driver.ListNodes()) == n }, 5*time.Second, 10*time.Millisecond)
}

func (g *grid) client() *client.Client {
	g.t.Helper()
	c, err := client.NewClient(g.addr)
	require.NoError(g.t, err)
	g.t.Cleanup(func() { c.Close() })
	return c
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("task-%d", i))
	}
	return out
}

func submitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitOverGRPC(t *testing.T) {
	g := newGrid(t, fixed(3))
	g.startNode(node.Config{Runner: node.EchoRunner{Prefix: "done:"}})
	g.startNode(node.Config{Runner: node.EchoRunner{Prefix: "done:"}})
	g.waitNodes(2)

	j := types.NewJob("grpc", payloads(10)...)
	var accepted string
	res, err := g.client().Submit(submitCtx(t), j, func(uuid string) { accepted = uuid })
	require.NoError(t, err)

	assert.Equal(t, j.UUID, accepted)
	assert.Equal(t, types.JobStateComplete, res.State)
	require.Len(t, res.Tasks, 10)
	for i, task := range res.Tasks {
		assert.Equal(t, i, task.Position)
		assert.Equal(t, fmt.Sprintf("done:task-%d", i), string(task.Result))
		assert.Empty(t, task.Exception)
	}

	st, err := g.client().JobStatus(j.UUID)
	require.NoError(t, err)
	assert.Equal(t, 10, st.CompletedTasks)
}

func TestTaskExceptionsReachClient(t *testing.T) {
	g := newGrid(t, fixed(2))
	g.startNode(node.Config{Runner: node.RunnerFunc(func(_ context.Context, payload, _ []byte) ([]byte, error) {
		if string(payload) == "task-1" {
			return nil, errors.New("bad task")
		}
		return payload, nil
	})})
	g.waitNodes(1)

	res, err := g.client().Submit(submitCtx(t), types.NewJob("errors", payloads(3)...), nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateComplete, res.State)
	assert.Equal(t, "bad task", res.Tasks[1].Exception)
	assert.Equal(t, "task-2", string(res.Tasks[2].Result))
}

func TestBroadcastReachesEveryNode(t *testing.T) {
	g := newGrid(t, fixed(5))
	var uuids []string
	for i := 0; i < 3; i++ {
		a, _, _ := g.startNode(node.Config{})
		uuids = append(uuids, a.UUID())
	}
	g.waitNodes(3)

	j := types.NewJob("broadcast", []byte("hello"))
	j.SLA.BroadcastJob = true
	res, err := g.client().Submit(submitCtx(t), j, nil)
	require.NoError(t, err)

	assert.Equal(t, types.JobStateComplete, res.State)
	assert.ElementsMatch(t, uuids, res.Deliveries)
}

func TestExpirationCompletesWithNilResults(t *testing.T) {
	g := newGrid(t, fixed(5))
	g.startNode(node.Config{Runner: node.EchoRunner{Delay: 5 * time.Second}})
	g.waitNodes(1)

	j := types.NewJob("expiring", payloads(3)...)
	j.SLA.ExpirationSchedule = &types.Schedule{Delay: 500 * time.Millisecond}

	start := time.Now()
	res, err := g.client().Submit(submitCtx(t), j, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, types.JobStateExpired, res.State)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	require.Len(t, res.Tasks, 3)
	for _, task := range res.Tasks {
		assert.Nil(t, task.Result)
		assert.Empty(t, task.Exception)
	}
}

func TestNodeLossResubmitsBundle(t *testing.T) {
	g := newGrid(t, fixed(5))
	_, stopFirst, firstDone := g.startNode(node.Config{Runner: node.RunnerFunc(func(ctx context.Context, _, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	g.waitNodes(1)

	j := types.NewJob("survivor", payloads(5)...)
	sj, err := g.driver.SubmitNonBlocking(j, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := g.driver.JobStatus(j.UUID)
		return err == nil && st.InFlightTasks == 5
	}, 5*time.Second, 10*time.Millisecond)

	stopFirst()
	<-firstDone
	g.startNode(node.Config{Runner: node.EchoRunner{}})

	res, err := g.driver.Wait(submitCtx(t), sj)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateComplete, res.State)
	for i, task := range res.Tasks {
		assert.Equal(t, fmt.Sprintf("task-%d", i), string(task.Result))
	}
}

func TestPriorityOrder(t *testing.T) {
	g := newGrid(t, fixed(10))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(res *types.JobResult) {
		mu.Lock()
		order = append(order, res.Name)
		mu.Unlock()
	}

	low := types.NewJob("J2", payloads(2)...)
	low.SLA.Priority = 1
	high := types.NewJob("J1", payloads(2)...)
	high.SLA.Priority = 5

	_, err := g.driver.SubmitNonBlocking(low, record)
	require.NoError(t, err)
	sj, err := g.driver.SubmitNonBlocking(high, record)
	require.NoError(t, err)
	g.startNode(node.Config{Threads: 1})
	_, err = g.driver.Wait(submitCtx(t), sj)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := g.driver.JobStatus(low.UUID)
		return err == nil && st.State == types.JobStateComplete
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"J1", "J2"}, order)
}

func TestReservationRestartsNode(t *testing.T) {
	g := newGrid(t, fixed(5))
	a, _, _ := g.startNode(node.Config{Properties: map[string]string{"mem": "8g"}})
	g.waitNodes(1)
	first := a.UUID()

	j := types.NewJob("big-memory", payloads(2)...)
	j.SLA.DesiredNodeConfiguration = &types.NodeConfigSpec{
		Configuration: map[string]string{"mem": "64g"},
		ForceRestart:  true,
	}
	res, err := g.client().Submit(submitCtx(t), j, nil)
	require.NoError(t, err)

	assert.Equal(t, types.JobStateComplete, res.State)
	assert.NotEqual(t, first, a.UUID())
	assert.Equal(t, "64g", a.Properties()["mem"])
}

func TestClientDisconnectCancelsJob(t *testing.T) {
	g := newGrid(t, fixed(5))

	ctx, cancel := context.WithCancel(context.Background())
	j := types.NewJob("abandoned", payloads(2)...)
	_, err := g.client().Submit(ctx, j, func(string) { cancel() })
	require.Error(t, err)

	require.Eventually(t, func() bool {
		st, err := g.driver.JobStatus(j.UUID)
		return err == nil && st.State == types.JobStateCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdminOverGRPC(t *testing.T) {
	g := newGrid(t, fixed(5))
	a, _, done := g.startNode(node.Config{})
	g.waitNodes(1)
	c := g.client()

	nodes, err := c.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, a.UUID(), nodes[0].Info.UUID)

	_, err = c.JobStatus("missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	_, err = c.CancelJob("missing")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	_, err = c.ShutdownNode("missing")
	assert.ErrorIs(t, err, types.ErrNodeNotFound)

	err = c.ChangeLoadBalancerSettings(bundler.Settings{Algorithm: "random"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	require.NoError(t, c.ChangeLoadBalancerSettings(bundler.Settings{Algorithm: bundler.AlgorithmNodeThreads}))
	lb, err := c.GetLoadBalancer()
	require.NoError(t, err)
	assert.Equal(t, bundler.AlgorithmNodeThreads, lb.Algorithm)

	err = c.JoinCluster(context.Background(), "standby", "127.0.0.1:7001")
	assert.Error(t, err)

	ok, err := c.ShutdownNode(a.UUID())
	require.NoError(t, err)
	assert.True(t, ok)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
	g.waitNodes(0)
}

func TestQueuedJobManagementOverGRPC(t *testing.T) {
	g := newGrid(t, fixed(5))
	c := g.client()

	j := types.NewJob("held", payloads(2)...)
	_, err := g.driver.SubmitNonBlocking(j, nil)
	require.NoError(t, err)

	ok, err := c.SuspendJob(j.UUID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetJobPriority(j.UUID, 9)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.SetJobMaxNodes(j.UUID, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := c.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStateSuspended, jobs[0].State)
	assert.Equal(t, 9, jobs[0].Priority)

	ok, err = c.ResumeJob(j.UUID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.CancelJob(j.UUID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadOnlySocket(t *testing.T) {
	g := newGrid(t, fixed(5))
	path := filepath.Join(t.TempDir(), "taskgrid.sock")
	go g.server.StartUnix(path)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := client.NewClient("unix://" + path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ListJobs()
	require.NoError(t, err)
	_, err = c.GetLoadBalancer()
	require.NoError(t, err)

	_, err = c.CancelJob("anything")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	_, err = c.Submit(context.Background(), types.NewJob("denied", []byte("x")), nil)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"/taskgrid.DriverService/ListJobs", true},
		{"/taskgrid.DriverService/ListNodes", true},
		{"/taskgrid.DriverService/GetLoadBalancer", true},
		{"/taskgrid.DriverService/JobStatus", true},
		{"/taskgrid.DriverService/WatchEvents", true},
		{"/taskgrid.DriverService/Submit", false},
		{"/taskgrid.DriverService/CancelJob", false},
		{"/taskgrid.DriverService/ChangeLoadBalancerSettings", false},
		{"/taskgrid.NodeService/Connect", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isReadOnlyMethod(tt.method))
		})
	}
}

func TestWatchEventsOverGRPC(t *testing.T) {
	g := newGrid(t, fixed(5))
	g.startNode(node.Config{})
	g.waitNodes(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*events.Event
	watcher := g.client()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- watcher.WatchEvents(ctx, []events.EventType{events.EventJobQueued, events.EventJobCompleted}, func(ev *events.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()
	require.Eventually(t, func() bool { return g.driver.Events().SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	j := types.NewJob("watched", payloads(4)...)
	_, err := g.client().Submit(submitCtx(t), j, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, events.EventJobQueued, got[0].Type)
	assert.Equal(t, events.EventJobCompleted, got[1].Type)
	assert.Equal(t, string(types.JobStateComplete), got[1].Message)
	for _, ev := range got {
		assert.Equal(t, j.UUID, ev.JobUUID)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
	require.Eventually(t, func() bool { return g.driver.Events().SubscriberCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
