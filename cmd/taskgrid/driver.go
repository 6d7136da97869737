package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/taskgrid/pkg/api"
	"github.com/cuemby/taskgrid/pkg/config"
	"github.com/cuemby/taskgrid/pkg/driver"
	"github.com/cuemby/taskgrid/pkg/history"
	"github.com/cuemby/taskgrid/pkg/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Run a driver",
	Long: `Run a driver: the job queue, the dispatcher and the gRPC API nodes and
clients connect to.

The first driver of a replicated history bootstraps it. Standby drivers pass
--join with the API address of a running driver and receive the history
through Raft.

Examples:
  # Single driver, local history
  taskgrid driver --api-addr 0.0.0.0:11111

  # Replicated history
  taskgrid driver --node-id d1 --raft-addr 10.0.0.1:7946
  taskgrid driver --node-id d2 --raft-addr 10.0.0.2:7946 --join 10.0.0.1:11111`,
	RunE: runDriver,
}

func init() {
	driverCmd.Flags().StringP("config", "c", "", "Driver config file, watched for load balancer changes")
	driverCmd.Flags().String("node-id", "", "Unique driver ID in the history cluster")
	driverCmd.Flags().String("api-addr", "", "Address for the gRPC API")
	driverCmd.Flags().String("health-addr", "", "Address for /health, /ready and /metrics (empty disables)")
	driverCmd.Flags().String("unix-socket", "", "Unix socket for the read-only API")
	driverCmd.Flags().String("data-dir", "", "Data directory for the history")
	driverCmd.Flags().String("raft-addr", "", "Raft address, enables the replicated history")
	driverCmd.Flags().String("join", "", "API address of a driver whose history to join")
}

func runDriver(cmd *cobra.Command, args []string) error {
	cfg, err := loadDriverConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(cfg.Log.Logging())

	hist, err := history.Open(cfg.HistoryConfig())
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer func() {
		if err := hist.Shutdown(); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to shut down history")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.History.Join != "" {
		if err := hist.Join(ctx, cfg.History.Join); err != nil {
			return err
		}
	} else if err := hist.Bootstrap(); err != nil {
		return err
	}
	hist.Start()

	d, err := driver.New(cfg.Driver(), hist)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}
	d.Start()
	defer d.Stop()

	apiServer := api.NewServer(d)
	healthServer := api.NewHealthServer(hist)

	fmt.Println("Driver started")
	fmt.Printf("  Driver ID: %s\n", cfg.NodeID)
	fmt.Printf("  API Address: %s\n", cfg.APIAddr)
	if cfg.HealthAddr != "" {
		fmt.Printf("  Health Address: %s\n", cfg.HealthAddr)
	}
	if cfg.History.BindAddr != "" {
		fmt.Printf("  Raft Address: %s\n", cfg.History.BindAddr)
	}
	fmt.Printf("  Load Balancer: %s\n", formatSettings(d.LoadBalancer()))
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apiServer.Start(cfg.APIAddr)
	})
	if cfg.UnixSocket != "" {
		g.Go(func() error {
			return apiServer.StartUnix(cfg.UnixSocket)
		})
	}
	if cfg.HealthAddr != "" {
		g.Go(func() error {
			return healthServer.Start(cfg.HealthAddr)
		})
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		w := config.NewLoadBalancerWatcher(path, d.LoadBalancer(), d.ChangeLoadBalancerSettings)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		apiServer.Stop()
		return healthServer.Stop()
	})

	err = g.Wait()
	fmt.Println("\nShutting down...")
	if err != nil {
		return err
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// loadDriverConfig reads the config file when given, then applies flags
func loadDriverConfig(cmd *cobra.Command) (*config.DriverConfig, error) {
	cfg := config.DefaultDriver()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadDriver(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag   string
		target *string
	}{
		{"node-id", &cfg.NodeID},
		{"api-addr", &cfg.APIAddr},
		{"health-addr", &cfg.HealthAddr},
		{"unix-socket", &cfg.UnixSocket},
		{"data-dir", &cfg.DataDir},
		{"raft-addr", &cfg.History.BindAddr},
		{"join", &cfg.History.Join},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.target, _ = flags.GetString(o.flag)
		}
	}
	applyLogFlags(cmd, &cfg.Log)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLogFlags(cmd *cobra.Command, lc *config.LogConfig) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		lc.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		lc.JSON, _ = flags.GetBool("log-json")
	}
}
