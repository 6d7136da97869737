package storage

import (
	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/types"
)

// Store defines the interface for driver history storage
type Store interface {
	// Jobs
	PutJob(rec *types.JobRecord) error
	GetJob(uuid string) (*types.JobRecord, error)
	ListJobs() ([]*types.JobRecord, error)
	DeleteJob(uuid string) error

	// Nodes
	PutNode(rec *types.NodeRecord) error
	GetNode(uuid string) (*types.NodeRecord, error)
	ListNodes() ([]*types.NodeRecord, error)
	DeleteNode(uuid string) error

	// Load-balancer settings, nil when never saved
	PutLoadBalancer(s bundler.Settings) error
	GetLoadBalancer() (*bundler.Settings, error)

	// Utility
	Close() error
}
