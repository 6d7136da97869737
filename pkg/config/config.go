package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/cuemby/taskgrid/pkg/dispatch"
	"github.com/cuemby/taskgrid/pkg/driver"
	"github.com/cuemby/taskgrid/pkg/history"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/node"
	"gopkg.in/yaml.v3"
)

// LogConfig is the logging section shared by driver and node files
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Logging converts the section into a log.Config writing to stderr
func (c LogConfig) Logging() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Level),
		JSONOutput: c.JSON,
		Output:     os.Stderr,
	}
}

// HistoryConfig holds the history store settings
type HistoryConfig struct {
	BindAddr  string `yaml:"bind_addr"` // Raft address, empty = local history
	Join      string `yaml:"join"`      // API address of the driver to join
	Retention int    `yaml:"retention"`
}

// DispatchConfig holds the dispatcher tuning knobs
type DispatchConfig struct {
	Shards             int           `yaml:"shards"`
	Workers            int           `yaml:"workers"`
	WorkerQueue        int           `yaml:"worker_queue"`
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`
}

// DriverConfig is the driver's configuration file
type DriverConfig struct {
	NodeID          string           `yaml:"node_id"`
	APIAddr         string           `yaml:"api_addr"`
	UnixSocket      string           `yaml:"unix_socket"`
	HealthAddr      string           `yaml:"health_addr"`
	DataDir         string           `yaml:"data_dir"`
	History         HistoryConfig    `yaml:"history"`
	Dispatch        DispatchConfig   `yaml:"dispatch"`
	StatusCacheSize int              `yaml:"status_cache_size"`
	MetricsInterval time.Duration    `yaml:"metrics_interval"`
	LoadBalancer    bundler.Settings `yaml:"load_balancer"`
	Log             LogConfig        `yaml:"log"`
}

// DefaultDriver returns the driver defaults
func DefaultDriver() *DriverConfig {
	d := driver.DefaultConfig()
	return &DriverConfig{
		NodeID:     "driver-1",
		APIAddr:    "127.0.0.1:11111",
		HealthAddr: "127.0.0.1:9090",
		DataDir:    "./taskgrid-data",
		History:    HistoryConfig{Retention: 1000},
		Dispatch: DispatchConfig{
			Shards:             d.Dispatch.Shards,
			Workers:            d.Dispatch.Workers,
			WorkerQueue:        d.Dispatch.WorkerQueue,
			ReservationTimeout: d.Dispatch.ReservationTimeout,
		},
		StatusCacheSize: d.StatusCacheSize,
		MetricsInterval: d.MetricsInterval,
		LoadBalancer:    d.LoadBalancer,
		Log:             LogConfig{Level: "info"},
	}
}

// LoadDriver reads a driver file over the defaults and validates it
func LoadDriver(path string) (*DriverConfig, error) {
	cfg := DefaultDriver()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the driver configuration
func (c *DriverConfig) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("api_addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must not be negative"))
	}
	if c.History.Join != "" && c.History.BindAddr == "" {
		errs = append(errs, errors.New("history.join needs history.bind_addr"))
	}
	if c.Dispatch.Shards < 0 || c.Dispatch.Workers < 0 || c.Dispatch.WorkerQueue < 0 {
		errs = append(errs, errors.New("dispatch sizes must not be negative"))
	}
	if c.StatusCacheSize < 0 {
		errs = append(errs, errors.New("status_cache_size must not be negative"))
	}
	if _, err := bundler.NewProvider(c.LoadBalancer); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid driver config: %w", err)
	}
	return nil
}

// Driver converts the file into a driver.Config
func (c *DriverConfig) Driver() driver.Config {
	return driver.Config{
		Dispatch: dispatch.Config{
			Shards:             c.Dispatch.Shards,
			Workers:            c.Dispatch.Workers,
			WorkerQueue:        c.Dispatch.WorkerQueue,
			ReservationTimeout: c.Dispatch.ReservationTimeout,
		},
		LoadBalancer:    c.LoadBalancer,
		StatusCacheSize: c.StatusCacheSize,
		MetricsInterval: c.MetricsInterval,
	}
}

// HistoryConfig converts the file into a history.Config
func (c *DriverConfig) HistoryConfig() history.Config {
	return history.Config{
		NodeID:    c.NodeID,
		DataDir:   c.DataDir,
		BindAddr:  c.History.BindAddr,
		Retention: c.History.Retention,
	}
}

// NodeConfig is a worker node's configuration file
type NodeConfig struct {
	DriverAddr     string            `yaml:"driver_addr"`
	UUID           string            `yaml:"uuid"`
	Host           string            `yaml:"host"`
	Threads        int               `yaml:"threads"`
	Properties     map[string]string `yaml:"properties"`
	Runner         string            `yaml:"runner"`
	TaskTimeout    time.Duration     `yaml:"task_timeout"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	Log            LogConfig         `yaml:"log"`
}

// DefaultNode returns the node defaults
func DefaultNode() *NodeConfig {
	return &NodeConfig{
		DriverAddr:     "127.0.0.1:11111",
		Runner:         "echo",
		ReconnectDelay: 5 * time.Second,
		Log:            LogConfig{Level: "info"},
	}
}

// LoadNode reads a node file over the defaults and validates it
func LoadNode(path string) (*NodeConfig, error) {
	cfg := DefaultNode()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the node configuration
func (c *NodeConfig) Validate() error {
	var errs []error
	if c.DriverAddr == "" {
		errs = append(errs, errors.New("driver_addr is required"))
	}
	if c.Threads < 0 {
		errs = append(errs, errors.New("threads must not be negative"))
	}
	switch c.Runner {
	case "", "echo", "exec":
	default:
		errs = append(errs, fmt.Errorf("unknown runner %q", c.Runner))
	}
	if c.TaskTimeout < 0 || c.ReconnectDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	return nil
}

// Agent converts the file into a node.Config with its runner
func (c *NodeConfig) Agent() (node.Config, error) {
	runner, err := node.NewRunner(c.Runner, c.TaskTimeout)
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		DriverAddr:     c.DriverAddr,
		UUID:           c.UUID,
		Host:           c.Host,
		Threads:        c.Threads,
		Properties:     c.Properties,
		Runner:         runner,
		ReconnectDelay: c.ReconnectDelay,
	}, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
