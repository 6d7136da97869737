package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/taskgrid/pkg/events"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream driver events",
	Long: `Print driver events as they happen until interrupted.

Types: job.queued, job.updated, job.removed, job.started, job.completed,
job.cancelled, job.expired, node.connected, node.lost, node.reserved,
bundle.sent, bundle.returned, tasks.resubmitted, balancer.changed

Examples:
  taskgrid events
  taskgrid events --type job.queued --type job.completed
  taskgrid events --json --driver unix:///var/run/taskgrid.sock`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, _ := cmd.Flags().GetStringSlice("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		kinds := make([]events.EventType, len(names))
		for i, n := range names {
			kinds[i] = events.EventType(n)
		}

		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(os.Stdout)
		return c.WatchEvents(ctx, kinds, func(ev *events.Event) {
			if asJSON {
				_ = enc.Encode(ev)
				return
			}
			fmt.Printf("%s  %-18s job=%s node=%s %s\n",
				ev.Timestamp.Format("15:04:05.000"), ev.Type, orDash(ev.JobUUID), orDash(ev.NodeUUID), ev.Message)
		})
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	eventsCmd.Flags().StringSlice("type", nil, "Only show events of this type (repeatable)")
	eventsCmd.Flags().Bool("json", false, "Print one JSON object per event")
	addDriverFlag(eventsCmd)
}
