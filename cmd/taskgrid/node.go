package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/taskgrid/pkg/client"
	"github.com/cuemby/taskgrid/pkg/config"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/cuemby/taskgrid/pkg/node"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and manage worker nodes",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker node",
	Long: `Run a worker node that connects to a driver and executes the bundles it
receives. The node reconnects when the driver goes away and stops when the
driver shuts it down.

Runners:
  echo  return each task payload prefixed with "ok:" (testing)
  exec  run each payload as a command line; the job's data provider is
        written to stdin and stdout becomes the result

Examples:
  taskgrid node run --driver 10.0.0.1:11111 --threads 4 --property os=linux
  taskgrid node run -c node.yaml`,
	RunE: runNode,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		nodes, err := c.ListNodes()
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes connected")
			return nil
		}

		tw := newTable("ID", "HOST", "THREADS", "STATUS", "RESERVATION", "TASKS", "CONNECTED")
		for _, n := range nodes {
			tw.row(n.Info.UUID, n.Info.Host, n.Info.Threads, n.Status, orDash(string(n.Reservation)),
				humanize.Comma(n.TasksExecuted), humanize.Time(n.ConnectedAt))
		}
		return tw.flush()
	},
}

var nodeShutdownCmd = &cobra.Command{
	Use:   "shutdown NODE_ID",
	Short: "Ask a node to stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.ShutdownNode(args[0]); err != nil {
			return fmt.Errorf("failed to shut down node: %w", err)
		}
		fmt.Printf("✓ Node shutting down: %s\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeShutdownCmd)

	nodeRunCmd.Flags().StringP("config", "c", "", "Node config file")
	nodeRunCmd.Flags().String("driver", "", "Driver API address")
	nodeRunCmd.Flags().String("uuid", "", "Node UUID (random when empty)")
	nodeRunCmd.Flags().Int("threads", 0, "Tasks run in parallel (0 = number of CPUs)")
	nodeRunCmd.Flags().String("runner", "", "Task runner (echo, exec)")
	nodeRunCmd.Flags().Duration("task-timeout", 0, "Per-task timeout for the exec runner")
	nodeRunCmd.Flags().StringToString("property", nil, "Node property used by execution policies (key=value, repeatable)")

	addDriverFlag(nodeListCmd)
	addDriverFlag(nodeShutdownCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadNodeConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(cfg.Log.Logging())

	agentCfg, err := cfg.Agent()
	if err != nil {
		return err
	}
	agent, err := node.New(agentCfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Node started")
	fmt.Printf("  Node ID: %s\n", agent.UUID())
	fmt.Printf("  Driver: %s\n", cfg.DriverAddr)
	fmt.Printf("  Runner: %s\n", cfg.Runner)
	fmt.Println()

	if err := agent.Run(ctx); err != nil {
		return err
	}

	bundles, tasks := agent.Stats()
	fmt.Printf("✓ Node stopped after %s bundles, %s tasks\n", humanize.Comma(bundles), humanize.Comma(tasks))
	return nil
}

func loadNodeConfig(cmd *cobra.Command) (*config.NodeConfig, error) {
	cfg := config.DefaultNode()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadNode(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("driver") {
		cfg.DriverAddr, _ = flags.GetString("driver")
	}
	if flags.Changed("uuid") {
		cfg.UUID, _ = flags.GetString("uuid")
	}
	if flags.Changed("threads") {
		cfg.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("runner") {
		cfg.Runner, _ = flags.GetString("runner")
	}
	if flags.Changed("task-timeout") {
		cfg.TaskTimeout, _ = flags.GetDuration("task-timeout")
	}
	if flags.Changed("property") {
		props, _ := flags.GetStringToString("property")
		if cfg.Properties == nil {
			cfg.Properties = make(map[string]string, len(props))
		}
		for k, v := range props {
			cfg.Properties[k] = v
		}
	}
	applyLogFlags(cmd, &cfg.Log)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func dialDriver(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("driver")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to driver: %w", err)
	}
	return c, nil
}

func addDriverFlag(cmd *cobra.Command) {
	cmd.Flags().String("driver", "127.0.0.1:11111", "Driver API address (or unix:///path for the read-only socket)")
}
