package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/taskgrid/pkg/config"
	"github.com/cuemby/taskgrid/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job and wait for its results",
	Long: `Submit a job described in a YAML file and print its results.

Example job file:
  name: checksums
  tasks:
    - sha256sum /data/a.iso
    - sha256sum /data/b.iso
  sla:
    priority: 5
    max_nodes: 2
    policy: {op: equal, property: os, value: linux}
    expiration_schedule: {delay: 10m}

Interrupting the command cancels the job unless its SLA sets
cancel_upon_client_disconnect to false.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Job file (required)")
	submitCmd.Flags().BoolP("quiet", "q", false, "Only print task results")
	_ = submitCmd.MarkFlagRequired("file")
	addDriverFlag(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	quiet, _ := cmd.Flags().GetBool("quiet")

	job, err := config.LoadJob(filename)
	if err != nil {
		return err
	}

	c, err := dialDriver(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := c.Submit(ctx, job, func(jobUUID string) {
		if !quiet {
			fmt.Printf("Job accepted: %s (%d tasks)\n", jobUUID, len(job.Tasks))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to run job: %w", err)
	}

	if !quiet {
		fmt.Printf("Job %s %s in %s\n", res.JobUUID, res.State, time.Since(start).Round(time.Millisecond))
		if len(res.Deliveries) > 0 {
			fmt.Printf("  Delivered to %d nodes\n", len(res.Deliveries))
		}
		fmt.Println()
	}
	printTasks(res.Tasks, quiet)

	if failed := countFailed(res.Tasks); failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(res.Tasks))
	}
	return nil
}

func printTasks(tasks []*types.Task, quiet bool) {
	for _, t := range tasks {
		switch {
		case quiet && !t.Failed():
			fmt.Println(string(t.Result))
		case quiet:
		case t.Failed():
			fmt.Printf("[%d] error: %s\n", t.Position, t.Exception)
		case t.Result == nil:
			fmt.Printf("[%d] no result\n", t.Position)
		default:
			fmt.Printf("[%d] %s (%s)\n", t.Position, string(t.Result), humanize.Bytes(uint64(len(t.Result))))
		}
	}
}

func countFailed(tasks []*types.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Failed() {
			n++
		}
	}
	return n
}
