package registry

import (
	"testing"

	"github.com/cuemby/taskgrid/pkg/policy"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeInfo(uuid string, props map[string]string) types.NodeInfo {
	return types.NodeInfo{UUID: uuid, Host: "localhost", Threads: 2, Properties: props}
}

func TestRegistryLifecycle(t *testing.T) {
	r := New()

	require.NoError(t, r.Add(nodeInfo("b", map[string]string{"os": "linux"})))
	require.NoError(t, r.Add(nodeInfo("a", map[string]string{"os": "windows"})))
	assert.Error(t, r.Add(nodeInfo("a", nil)))
	assert.Equal(t, 2, r.Len())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Info.UUID)
	assert.Equal(t, types.NodeStatusIdle, list[0].Status)
	assert.Equal(t, types.ReservationNone, list[0].Reservation)

	r.SetStatus("a", types.NodeStatusWaitingResults, "job-1")
	r.RecordExecution("a", 5)
	r.SetBundler("a", "proportional")
	snap, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusWaitingResults, snap.Status)
	assert.Equal(t, "job-1", snap.CurrentJob)
	assert.Equal(t, int64(1), snap.BundlesExecuted)
	assert.Equal(t, int64(5), snap.TasksExecuted)
	assert.Equal(t, "proportional", snap.Bundler)

	assert.True(t, r.Remove("a", false))
	assert.False(t, r.Remove("a", false))
	_, ok = r.Get("a")
	assert.False(t, ok)
}

func TestSnapshotsAreCopies(t *testing.T) {
	r := New()
	props := map[string]string{"zone": "eu"}
	require.NoError(t, r.Add(nodeInfo("a", props)))

	props["zone"] = "us"
	snap, _ := r.Get("a")
	assert.Equal(t, "eu", snap.Info.Properties["zone"])

	snap.Info.Properties["zone"] = "ap"
	info, _ := r.Info("a")
	assert.Equal(t, "eu", info.Properties["zone"])
}

func TestUpdateInfo(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(nodeInfo("a", nil)))

	updated := nodeInfo("a", map[string]string{"gpu": "on"})
	updated.Threads = 16
	require.NoError(t, r.UpdateInfo(updated))
	info, _ := r.Info("a")
	assert.Equal(t, 16, info.Threads)

	assert.ErrorIs(t, r.UpdateInfo(nodeInfo("zz", nil)), types.ErrNodeNotFound)
}

func TestEligible(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(nodeInfo("c", map[string]string{"os": "linux"})))
	require.NoError(t, r.Add(nodeInfo("a", map[string]string{"os": "linux"})))
	require.NoError(t, r.Add(nodeInfo("b", map[string]string{"os": "windows"})))

	assert.Equal(t, []string{"a", "b", "c"}, r.Eligible(nil))
	assert.Equal(t, []string{"a", "c"}, r.Eligible(policy.Equal("os", "linux")))

	r.SetStatus("a", types.NodeStatusFailed, "")
	assert.Equal(t, []string{"c"}, r.Eligible(policy.Equal("os", "linux")))
}

func TestReservationTransition(t *testing.T) {
	r := New()
	h := r.Reservations()
	require.NoError(t, r.Add(nodeInfo("old", nil)))

	h.Reserve("job-1", "old")
	state, j := h.State("old")
	assert.Equal(t, types.ReservationPending, state)
	assert.Equal(t, "job-1", j)
	assert.Equal(t, []string{"old"}, h.Nodes("job-1"))
	assert.Equal(t, 1, h.ReservedCount("job-1"))

	// The node disconnects to restart, keeping its reservation
	r.Remove("old", true)
	_, pending := h.PendingJob("old")
	assert.True(t, pending)

	// It comes back under a new UUID carrying the reservation
	fresh := nodeInfo("new", map[string]string{
		types.PropReservedJob:  "job-1",
		types.PropReservedUUID: "old",
	})
	require.NoError(t, r.Add(fresh))
	assert.True(t, h.Transition(fresh))
	assert.False(t, h.Transition(fresh), "already transitioned")

	got, ok := h.ReadyJob("new")
	assert.True(t, ok)
	assert.Equal(t, "job-1", got)
	assert.Equal(t, []string{"new"}, h.Nodes("job-1"))
	_, pending = h.PendingJob("old")
	assert.False(t, pending)

	snap, _ := r.Get("new")
	assert.Equal(t, types.ReservationReady, snap.Reservation)
	assert.Equal(t, "job-1", snap.ReservedJob)
}

func TestTransitionRequiresMatchingJob(t *testing.T) {
	h := NewReservationHandler()
	h.Reserve("job-1", "old")

	assert.False(t, h.Transition(nodeInfo("new", map[string]string{
		types.PropReservedJob:  "job-2",
		types.PropReservedUUID: "old",
	})))
	assert.False(t, h.Transition(nodeInfo("new", nil)))
}

func TestOnJobFinishedReleasesNodes(t *testing.T) {
	h := NewReservationHandler()
	h.Reserve("job-1", "n1")
	h.Reserve("job-1", "n2")
	h.Reserve("job-2", "n3")
	require.True(t, h.Transition(nodeInfo("n2b", map[string]string{
		types.PropReservedJob:  "job-1",
		types.PropReservedUUID: "n2",
	})))

	assert.Equal(t, []string{"n1", "n2b"}, h.OnJobFinished("job-1"))
	assert.Equal(t, 0, h.ReservedCount("job-1"))
	assert.Empty(t, h.Nodes("job-1"))
	assert.Equal(t, []string{"n3"}, h.Nodes("job-2"))

	h.Remove("n3")
	assert.Empty(t, h.Nodes("job-2"))
}
