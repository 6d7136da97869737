package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	jobsBucket     = []byte("jobs")
	nodesBucket    = []byte("nodes")
	settingsBucket = []byte("settings")

	loadBalancerKey = []byte("load_balancer")
)

// BoltStore keeps driver history in a single bbolt file, one bucket per
// record kind, values JSON-encoded
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) taskgrid.db under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "taskgrid.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{jobsBucket, nodesBucket, settingsBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutJob stores a finished job under its UUID
func (s *BoltStore) PutJob(rec *types.JobRecord) error {
	return s.put(jobsBucket, rec.Status.UUID, rec)
}

// GetJob returns a finished job or an error wrapping types.ErrJobNotFound
func (s *BoltStore) GetJob(uuid string) (*types.JobRecord, error) {
	rec, err := load[types.JobRecord](s.db, jobsBucket, uuid)
	if err == nil && rec == nil {
		err = fmt.Errorf("job %s: %w", uuid, types.ErrJobNotFound)
	}
	return rec, err
}

// ListJobs returns finished jobs, most recently completed first
func (s *BoltStore) ListJobs() ([]*types.JobRecord, error) {
	jobs, err := loadAll[types.JobRecord](s.db, jobsBucket)
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Status.CompletedAt.After(jobs[j].Status.CompletedAt)
	})
	return jobs, err
}

// DeleteJob removes a job; deleting a missing job is not an error
func (s *BoltStore) DeleteJob(uuid string) error {
	return s.remove(jobsBucket, uuid)
}

// PutNode stores what is known of a node
func (s *BoltStore) PutNode(rec *types.NodeRecord) error {
	return s.put(nodesBucket, rec.UUID, rec)
}

// GetNode returns a node record or types.ErrNodeNotFound
func (s *BoltStore) GetNode(uuid string) (*types.NodeRecord, error) {
	rec, err := load[types.NodeRecord](s.db, nodesBucket, uuid)
	if err == nil && rec == nil {
		err = fmt.Errorf("node %s: %w", uuid, types.ErrNodeNotFound)
	}
	return rec, err
}

// ListNodes returns every node record in key order
func (s *BoltStore) ListNodes() ([]*types.NodeRecord, error) {
	return loadAll[types.NodeRecord](s.db, nodesBucket)
}

// DeleteNode removes a node record
func (s *BoltStore) DeleteNode(uuid string) error {
	return s.remove(nodesBucket, uuid)
}

// PutLoadBalancer saves the active load-balancer settings
func (s *BoltStore) PutLoadBalancer(settings bundler.Settings) error {
	return s.put(settingsBucket, string(loadBalancerKey), settings)
}

// GetLoadBalancer returns the saved settings, or nil when none were saved
func (s *BoltStore) GetLoadBalancer() (*bundler.Settings, error) {
	return load[bundler.Settings](s.db, settingsBucket, string(loadBalancerKey))
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) remove(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// load decodes one value; a missing key yields nil and no error
func load[T any](db *bolt.DB, bucket []byte, key string) (*T, error) {
	var out *T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		out = new(T)
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func loadAll[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			rec := new(T)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
