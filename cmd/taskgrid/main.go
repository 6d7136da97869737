package main

import (
	"fmt"
	"os"

	"github.com/cuemby/taskgrid/pkg/api"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskgrid",
	Short: "TaskGrid - distributed task execution grid",
	Long: `TaskGrid splits jobs into bundles of tasks and runs them on a pool of
worker nodes. A driver queues jobs by priority, sizes each bundle from the
throughput the node has shown so far, and resubmits the work of nodes that
disappear.

Run one driver, any number of nodes, and submit jobs from anywhere.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	api.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TaskGrid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(driverCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(balancerCmd)
	rootCmd.AddCommand(eventsCmd)
}
