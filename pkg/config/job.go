package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/taskgrid/pkg/policy"
	"github.com/cuemby/taskgrid/pkg/types"
	"gopkg.in/yaml.v3"
)

// JobFile is the YAML form of a job submission
type JobFile struct {
	Name         string            `yaml:"name"`
	Tasks        []string          `yaml:"tasks"`
	DataProvider string            `yaml:"data_provider"`
	Metadata     map[string]string `yaml:"metadata"`
	TaskTimeout  *ScheduleFile     `yaml:"task_timeout"`
	SLA          *SLAFile          `yaml:"sla"`
}

// SLAFile is the YAML form of a job SLA. Pointer fields fall back to
// types.DefaultSLA when absent.
type SLAFile struct {
	Priority                       int             `yaml:"priority"`
	MaxNodes                       int             `yaml:"max_nodes"`
	Suspended                      bool            `yaml:"suspended"`
	Policy                         *policy.Policy  `yaml:"policy"`
	JobSchedule                    *ScheduleFile   `yaml:"job_schedule"`
	ExpirationSchedule             *ScheduleFile   `yaml:"expiration_schedule"`
	Broadcast                      bool            `yaml:"broadcast"`
	CancelUponClientDisconnect     *bool           `yaml:"cancel_upon_client_disconnect"`
	ApplyMaxResubmitsUponNodeError bool            `yaml:"apply_max_resubmits_upon_node_error"`
	MaxTaskResubmits               *int            `yaml:"max_task_resubmits"`
	DesiredNodeConfiguration       *NodeConfigFile `yaml:"desired_node_configuration"`
}

// ScheduleFile is either an absolute date or a delay
type ScheduleFile struct {
	Date  time.Time     `yaml:"date"`
	Delay time.Duration `yaml:"delay"`
}

// NodeConfigFile is the configuration a job wants its nodes to run with
type NodeConfigFile struct {
	Configuration map[string]string `yaml:"configuration"`
	ForceRestart  bool              `yaml:"force_restart"`
}

// LoadJob reads a job file and builds a validated job with a fresh UUID
func LoadJob(path string) (*types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJob(data)
}

// ParseJob builds a validated job from YAML
func ParseJob(data []byte) (*types.Job, error) {
	var f JobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	j, err := f.Job()
	if err != nil {
		return nil, err
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Job converts the file into a job
func (f *JobFile) Job() (*types.Job, error) {
	payloads := make([][]byte, len(f.Tasks))
	for i, t := range f.Tasks {
		payloads[i] = []byte(t)
	}
	j := types.NewJob(f.Name, payloads...)
	if f.DataProvider != "" {
		j.DataProvider = []byte(f.DataProvider)
	}
	j.Metadata = f.Metadata
	for _, t := range j.Tasks {
		t.Timeout = f.TaskTimeout.schedule()
	}
	if f.SLA != nil {
		sla, err := f.SLA.SLA()
		if err != nil {
			return nil, err
		}
		j.SLA = sla
	}
	return j, nil
}

// SLA converts the section into a types.SLA
func (s *SLAFile) SLA() (*types.SLA, error) {
	sla := types.DefaultSLA()
	sla.Priority = s.Priority
	sla.MaxNodes = s.MaxNodes
	sla.Suspended = s.Suspended
	sla.BroadcastJob = s.Broadcast
	sla.ApplyMaxResubmitsUponNodeError = s.ApplyMaxResubmitsUponNodeError
	if s.CancelUponClientDisconnect != nil {
		sla.CancelUponClientDisconnect = *s.CancelUponClientDisconnect
	}
	if s.MaxTaskResubmits != nil {
		sla.MaxTaskResubmits = *s.MaxTaskResubmits
	}
	if s.Policy != nil {
		if err := s.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("invalid execution policy: %w", err)
		}
		sla.ExecutionPolicy = s.Policy
	}
	sla.JobSchedule = s.JobSchedule.schedule()
	sla.ExpirationSchedule = s.ExpirationSchedule.schedule()
	if c := s.DesiredNodeConfiguration; c != nil {
		sla.DesiredNodeConfiguration = &types.NodeConfigSpec{
			Configuration: c.Configuration,
			ForceRestart:  c.ForceRestart,
		}
	}
	return sla, nil
}

func (s *ScheduleFile) schedule() *types.Schedule {
	if s == nil {
		return nil
	}
	return &types.Schedule{Date: s.Date, Delay: s.Delay}
}
