package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/taskgrid/pkg/client"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and recently finished jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		jobs, err := c.ListJobs()
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}

		tw := newTable("ID", "NAME", "STATE", "PRIORITY", "PROGRESS", "NODES", "SUBMITTED")
		for _, j := range jobs {
			progress := fmt.Sprintf("%d/%d", j.CompletedTasks, j.TotalTasks)
			tw.row(j.UUID, j.Name, j.State, j.Priority, progress, j.InFlightNodes, humanize.Time(j.SubmittedAt))
		}
		return tw.flush()
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show a job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := c.JobStatus(args[0])
		if err != nil {
			return fmt.Errorf("failed to get job status: %w", err)
		}

		maxNodes := "unlimited"
		if s.MaxNodes > 0 {
			maxNodes = strconv.Itoa(s.MaxNodes)
		}
		fmt.Printf("Job: %s\n", s.UUID)
		fmt.Printf("  Name: %s\n", s.Name)
		fmt.Printf("  State: %s\n", s.State)
		fmt.Printf("  Priority: %d\n", s.Priority)
		fmt.Printf("  Max Nodes: %s\n", maxNodes)
		fmt.Printf("  Broadcast: %t\n", s.Broadcast)
		if len(s.BroadcastTargets) > 0 {
			fmt.Printf("  Targets: %s\n", strings.Join(s.BroadcastTargets, ", "))
		}
		if len(s.ReservedNodes) > 0 {
			fmt.Printf("  Reserved Nodes: %s\n", strings.Join(s.ReservedNodes, ", "))
		}
		fmt.Printf("  Tasks: %s total, %s pending, %s in flight, %s completed\n",
			humanize.Comma(int64(s.TotalTasks)), humanize.Comma(int64(s.PendingTasks)),
			humanize.Comma(int64(s.InFlightTasks)), humanize.Comma(int64(s.CompletedTasks)))
		fmt.Printf("  Nodes: %d\n", s.InFlightNodes)
		fmt.Printf("  Submitted: %s\n", humanize.Time(s.SubmittedAt))
		if !s.CompletedAt.IsZero() {
			fmt.Printf("  Completed: %s (took %s)\n", humanize.Time(s.CompletedAt), s.CompletedAt.Sub(s.SubmittedAt).Round(time.Millisecond))
		}
		return nil
	},
}

// jobAction builds a command applying one management call to a job
func jobAction(use, short, done string, call func(c *client.Client, uuid string, args []string) (bool, error), nargs int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialDriver(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ok, err := call(c, args[0], args[1:])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s already finished", args[0])
			}
			fmt.Printf("✓ Job %s: %s\n", done, args[0])
			return nil
		},
	}
	addDriverFlag(cmd)
	return cmd
}

func parseIntArg(args []string, name string) (int, error) {
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, args[0])
	}
	return n, nil
}

func init() {
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobStatusCmd)
	addDriverFlag(jobListCmd)
	addDriverFlag(jobStatusCmd)

	jobCmd.AddCommand(jobAction("cancel JOB_ID", "Cancel a job", "cancelled",
		func(c *client.Client, uuid string, _ []string) (bool, error) {
			return c.CancelJob(uuid)
		}, 1))
	jobCmd.AddCommand(jobAction("suspend JOB_ID", "Stop dispatching a job", "suspended",
		func(c *client.Client, uuid string, _ []string) (bool, error) {
			return c.SuspendJob(uuid)
		}, 1))
	jobCmd.AddCommand(jobAction("resume JOB_ID", "Resume a suspended job", "resumed",
		func(c *client.Client, uuid string, _ []string) (bool, error) {
			return c.ResumeJob(uuid)
		}, 1))
	jobCmd.AddCommand(jobAction("priority JOB_ID PRIORITY", "Change a job's priority", "priority changed",
		func(c *client.Client, uuid string, args []string) (bool, error) {
			p, err := parseIntArg(args, "priority")
			if err != nil {
				return false, err
			}
			return c.SetJobPriority(uuid, p)
		}, 2))
	jobCmd.AddCommand(jobAction("max-nodes JOB_ID MAX_NODES", "Change how many nodes a job may use at once", "max nodes changed",
		func(c *client.Client, uuid string, args []string) (bool, error) {
			n, err := parseIntArg(args, "max nodes")
			if err != nil {
				return false, err
			}
			return c.SetJobMaxNodes(uuid, n)
		}, 2))
}
