package metrics

import (
	"time"

	"github.com/cuemby/taskgrid/pkg/types"
)

// Source exposes the driver state sampled by the collector
type Source interface {
	ListJobs() []types.JobStatus
	ListNodes() []types.NodeSnapshot
}

// Collector periodically refreshes gauges from the driver
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.collectJobMetrics()
	c.collectNodeMetrics()
}

func (c *Collector) collectJobMetrics() {
	jobs := c.source.ListJobs()

	queued, pending := 0, 0
	for _, j := range jobs {
		if j.State.Finished() {
			continue
		}
		queued++
		pending += j.TotalTasks - j.CompletedTasks
	}

	JobsQueued.Set(float64(queued))
	TasksPending.Set(float64(pending))
}

func (c *Collector) collectNodeMetrics() {
	nodes := c.source.ListNodes()

	counts := map[types.NodeStatus]int{
		types.NodeStatusIdle:           0,
		types.NodeStatusSending:        0,
		types.NodeStatusWaitingResults: 0,
		types.NodeStatusFailed:         0,
	}
	reserved := 0
	for _, n := range nodes {
		counts[n.Status]++
		if n.Reservation != types.ReservationNone && n.Reservation != "" {
			reserved++
		}
	}

	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	NodesReserved.Set(float64(reserved))
}
