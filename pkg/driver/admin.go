package driver

import (
	"errors"
	"fmt"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/cuemby/taskgrid/pkg/types"
)

// JobStatus returns the status of a queued job, or of a finished one from the
// cache or the history
func (d *Driver) JobStatus(uuid string) (types.JobStatus, error) {
	if sj, ok := d.queue.Get(uuid); ok {
		st := sj.Status()
		st.ReservedNodes = d.registry.Reservations().Nodes(uuid)
		return st, nil
	}
	if st, ok := d.finished.Get(uuid); ok {
		return st, nil
	}
	if d.history != nil {
		if rec, err := d.history.Job(uuid); err == nil {
			return rec.Status, nil
		}
	}
	return types.JobStatus{}, fmt.Errorf("job %s: %w", uuid, types.ErrJobNotFound)
}

// ListJobs returns the queued jobs followed by recently finished ones, oldest
// first
func (d *Driver) ListJobs() []types.JobStatus {
	queued := d.queue.Jobs()
	out := make([]types.JobStatus, 0, len(queued)+d.finished.Len())
	seen := make(map[string]bool, len(queued))
	for _, sj := range queued {
		st := sj.Status()
		seen[st.UUID] = true
		out = append(out, st)
	}
	for _, st := range d.finished.Values() {
		if !seen[st.UUID] {
			out = append(out, st)
		}
	}
	return out
}

// ListNodes returns the connected nodes
func (d *Driver) ListNodes() []types.NodeSnapshot {
	return d.registry.List()
}

// NodeHistory returns the recorded node sessions, nil without a history
func (d *Driver) NodeHistory() ([]*types.NodeRecord, error) {
	if d.history == nil {
		return nil, nil
	}
	return d.history.Nodes()
}

// CancelJob cancels a job. It reports false when the job already finished.
func (d *Driver) CancelJob(uuid string) (bool, error) {
	if d.queue.Cancel(uuid) {
		return true, nil
	}
	if _, err := d.JobStatus(uuid); err != nil {
		return false, err
	}
	return false, nil
}

// SuspendJob stops dispatching new bundles of a job. Bundles in flight run to
// completion.
func (d *Driver) SuspendJob(uuid string) (bool, error) {
	return d.finishedAware(uuid, d.queue.Suspend(uuid, true))
}

// ResumeJob makes a suspended job eligible again
func (d *Driver) ResumeJob(uuid string) (bool, error) {
	return d.finishedAware(uuid, d.queue.Suspend(uuid, false))
}

// SetJobPriority moves a job to another priority tier
func (d *Driver) SetJobPriority(uuid string, priority int) (bool, error) {
	return d.finishedAware(uuid, d.queue.SetPriority(uuid, priority))
}

// SetJobMaxNodes changes how many nodes may hold bundles of a job at once
func (d *Driver) SetJobMaxNodes(uuid string, maxNodes int) (bool, error) {
	return d.finishedAware(uuid, d.queue.SetMaxNodes(uuid, maxNodes))
}

// finishedAware turns a queue miss on a finished job into a no-op
func (d *Driver) finishedAware(uuid string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, types.ErrJobNotFound) {
		return false, err
	}
	if _, statusErr := d.JobStatus(uuid); statusErr != nil {
		return false, err
	}
	return false, nil
}

// ShutdownNode asks a connected node to end its session
func (d *Driver) ShutdownNode(uuid string) error {
	return d.dispatcher.ShutdownNode(uuid)
}

// LoadBalancer returns the load-balancer settings in use
func (d *Driver) LoadBalancer() bundler.Settings {
	return d.dispatcher.Provider().Settings()
}

// ChangeLoadBalancerSettings validates and applies new settings. On error
// nothing changes. Nodes switch to the new algorithm at their next idle
// transition.
func (d *Driver) ChangeLoadBalancerSettings(s bundler.Settings) error {
	d.balancerMu.Lock()
	defer d.balancerMu.Unlock()

	provider, err := bundler.NewProvider(s)
	if err != nil {
		return err
	}
	d.dispatcher.SetProvider(provider)

	d.logger.Info().
		Str("algorithm", s.Algorithm).
		Interface("params", s.Params).
		Msg("Load balancer settings changed")
	d.broker.Publish(&events.Event{
		Type:     events.EventBalancerChanged,
		Message:  s.Algorithm,
		Metadata: s.Params,
	})

	if d.history != nil {
		d.record(func() error { return d.history.SaveLoadBalancer(provider.Settings()) })
	}
	return nil
}

// JoinCluster adds a standby driver to the replicated history
func (d *Driver) JoinCluster(nodeID, addr string) error {
	if d.history == nil || !d.history.Replicated() {
		return fmt.Errorf("failed to add %s: history is not replicated", nodeID)
	}
	return d.history.AddVoter(nodeID, addr)
}
