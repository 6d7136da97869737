package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/node"
	"github.com/cuemby/taskgrid/pkg/policy"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// replaceFile swaps the file in with a rename so readers never see it half written
func replaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := writeFile(t, t.TempDir(), name, content)
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func TestLoadDriver(t *testing.T) {
	path := writeFile(t, t.TempDir(), "driver.yaml", `
node_id: driver-7
api_addr: 0.0.0.0:12000
data_dir: /var/lib/taskgrid
history:
  bind_addr: 10.0.0.7:7946
  retention: 50
dispatch:
  shards: 4
  reservation_timeout: 1m
metrics_interval: 5s
load_balancer:
  algorithm: fixed
  params:
    size: "20"
log:
  level: debug
  json: true
`)

	cfg, err := LoadDriver(path)
	require.NoError(t, err)

	assert.Equal(t, "driver-7", cfg.NodeID)
	assert.Equal(t, "0.0.0.0:12000", cfg.APIAddr)
	assert.Equal(t, "127.0.0.1:9090", cfg.HealthAddr, "defaults survive")
	assert.Equal(t, 50, cfg.History.Retention)
	assert.Equal(t, 1024, cfg.Dispatch.WorkerQueue)

	dc := cfg.Driver()
	assert.Equal(t, 4, dc.Dispatch.Shards)
	assert.Equal(t, time.Minute, dc.Dispatch.ReservationTimeout)
	assert.Equal(t, 5*time.Second, dc.MetricsInterval)
	assert.Equal(t, bundler.Settings{Algorithm: "fixed", Params: map[string]string{"size": "20"}}, dc.LoadBalancer)

	hc := cfg.HistoryConfig()
	assert.Equal(t, "driver-7", hc.NodeID)
	assert.Equal(t, "10.0.0.7:7946", hc.BindAddr)

	lc := cfg.Log.Logging()
	assert.Equal(t, log.DebugLevel, lc.Level)
	assert.True(t, lc.JSONOutput)
}

func TestDriverValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "defaults", content: "{}"},
		{name: "empty api address", content: "api_addr: \"\"", wantErr: "api_addr is required"},
		{name: "negative retention", content: "history: {retention: -1}", wantErr: "retention"},
		{name: "join without raft", content: "history: {join: 10.0.0.1:11111}", wantErr: "history.join"},
		{name: "unknown algorithm", content: "load_balancer: {algorithm: magic}", wantErr: "magic"},
		{name: "bad parameter", content: "load_balancer: {algorithm: fixed, params: {size: \"0\"}}", wantErr: "size"},
		{name: "not yaml", content: "api_addr: [", wantErr: "failed to parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "driver.yaml", tt.content)
			_, err := LoadDriver(path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDriverMissingFile(t *testing.T) {
	_, err := LoadDriver(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadNode(t *testing.T) {
	path := writeFile(t, t.TempDir(), "node.yaml", `
driver_addr: driver.local:11111
threads: 8
runner: exec
task_timeout: 30s
properties:
  os: linux
  gpu: "true"
`)

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay)

	ac, err := cfg.Agent()
	require.NoError(t, err)
	assert.Equal(t, "driver.local:11111", ac.DriverAddr)
	assert.Equal(t, 8, ac.Threads)
	assert.Equal(t, map[string]string{"os": "linux", "gpu": "true"}, ac.Properties)
	assert.Equal(t, node.ExecRunner{Timeout: 30 * time.Second}, ac.Runner)
}

func TestNodeValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NodeConfig
		wantErr string
	}{
		{name: "valid", cfg: NodeConfig{DriverAddr: "x:1", Runner: "echo"}},
		{name: "no driver", cfg: NodeConfig{Runner: "echo"}, wantErr: "driver_addr"},
		{name: "negative threads", cfg: NodeConfig{DriverAddr: "x:1", Threads: -2}, wantErr: "threads"},
		{name: "unknown runner", cfg: NodeConfig{DriverAddr: "x:1", Runner: "docker"}, wantErr: "docker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseJob(t *testing.T) {
	j, err := ParseJob([]byte(`
name: render
tasks: ["frame-1", "frame-2", "frame-3"]
data_provider: scene.bin
metadata:
  owner: ops
task_timeout:
  delay: 90s
sla:
  priority: 5
  max_nodes: 2
  broadcast: false
  cancel_upon_client_disconnect: false
  max_task_resubmits: 3
  policy:
    op: and
    children:
      - {op: equal, property: os, value: linux}
      - {op: at_least, property: cpus, number: 4}
  expiration_schedule:
    delay: 10m
  desired_node_configuration:
    configuration: {renderer: v2}
    force_restart: true
`))
	require.NoError(t, err)

	assert.NotEmpty(t, j.UUID)
	assert.Equal(t, "render", j.Name)
	require.Len(t, j.Tasks, 3)
	assert.Equal(t, 2, j.Tasks[2].Position)
	assert.Equal(t, []byte("frame-2"), j.Tasks[1].Payload)
	assert.Equal(t, []byte("scene.bin"), j.DataProvider)
	assert.Equal(t, "ops", j.Metadata["owner"])
	for _, task := range j.Tasks {
		require.NotNil(t, task.Timeout)
		assert.Equal(t, 90*time.Second, task.Timeout.Delay)
	}
	assert.NotSame(t, j.Tasks[0].Timeout, j.Tasks[1].Timeout)

	sla := j.SLA
	assert.Equal(t, 5, sla.Priority)
	assert.Equal(t, 2, sla.MaxNodes)
	assert.False(t, sla.CancelUponClientDisconnect)
	assert.Equal(t, 3, sla.MaxTaskResubmits)
	assert.Nil(t, sla.JobSchedule)
	require.NotNil(t, sla.ExpirationSchedule)
	assert.Equal(t, 10*time.Minute, sla.ExpirationSchedule.Delay)
	require.NotNil(t, sla.DesiredNodeConfiguration)
	assert.True(t, sla.DesiredNodeConfiguration.ForceRestart)

	assert.True(t, sla.ExecutionPolicy.Accepts(map[string]string{"os": "linux", "cpus": "8"}))
	assert.False(t, sla.ExecutionPolicy.Accepts(map[string]string{"os": "linux", "cpus": "2"}))
}

func TestParseJobDefaults(t *testing.T) {
	j, err := ParseJob([]byte(`tasks: [a]`))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSLA().CancelUponClientDisconnect, j.SLA.CancelUponClientDisconnect)
	assert.Equal(t, types.DefaultSLA().MaxTaskResubmits, j.SLA.MaxTaskResubmits)
	assert.Nil(t, j.Tasks[0].Timeout)
}

func TestParseJobErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "no tasks", data: "name: empty"},
		{name: "bad policy", data: "tasks: [a]\nsla: {policy: {op: regexp, property: os, value: \"(\"}}"},
		{name: "not yaml", data: "tasks: ["},
		{name: "empty task timeout", data: "tasks: [a]\ntask_timeout: {delay: 0s}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSLAFilePolicyOps(t *testing.T) {
	s := &SLAFile{Policy: policy.Not(policy.Equal("os", "windows"))}
	sla, err := s.SLA()
	require.NoError(t, err)
	assert.True(t, sla.ExecutionPolicy.Accepts(map[string]string{"os": "linux"}))
}

type appliedSettings struct {
	mu   sync.Mutex
	got  []bundler.Settings
	fail bool
}

func (a *appliedSettings) apply(s bundler.Settings) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return &bundler.ConfigError{Algorithm: s.Algorithm, Reason: "rejected"}
	}
	a.got = append(a.got, s)
	return nil
}

func (a *appliedSettings) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func (a *appliedSettings) last() bundler.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.got[len(a.got)-1]
}

func TestLoadBalancerWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "driver.yaml", "load_balancer: {algorithm: proportional}\n")

	applied := &appliedSettings{}
	w := NewLoadBalancerWatcher(path, bundler.DefaultSettings(), applied.apply)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	fixed := "load_balancer: {algorithm: fixed, params: {size: \"7\"}}\n"
	require.Eventually(t, func() bool {
		replaceFile(t, dir, "driver.yaml", fixed)
		return applied.count() > 0
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, bundler.Settings{Algorithm: "fixed", Params: map[string]string{"size": "7"}}, applied.last())
	applied.mu.Lock()
	applied.got = nil
	applied.mu.Unlock()

	replaceFile(t, dir, "driver.yaml", fixed)
	replaceFile(t, dir, "driver.yaml", "load_balancer: [")
	replaceFile(t, dir, "driver.yaml", "load_balancer: {algorithm: fixed, params: {size: \"-1\"}}\n")
	replaceFile(t, dir, "other.yaml", "load_balancer: {algorithm: nodethreads}\n")
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, applied.count(), "unchanged, invalid or unrelated files are ignored")

	applied.mu.Lock()
	applied.fail = true
	applied.mu.Unlock()
	replaceFile(t, dir, "driver.yaml", "load_balancer: {algorithm: nodethreads}\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "fixed", w.Current().Algorithm, "rejected settings are not remembered")
}
