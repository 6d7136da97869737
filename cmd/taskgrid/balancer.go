package main

import (
	"fmt"

	"github.com/cuemby/taskgrid/pkg/bundler"
	"github.com/spf13/cobra"
)

var balancerCmd = &cobra.Command{
	Use:   "balancer",
	Short: "Show or change the load balancer",
}

var balancerGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the load balancer settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		s, err := c.GetLoadBalancer()
		if err != nil {
			return fmt.Errorf("failed to get load balancer: %w", err)
		}
		fmt.Println(formatSettings(s))
		return nil
	},
}

var balancerSetCmd = &cobra.Command{
	Use:   "set ALGORITHM",
	Short: "Change the load balancer",
	Long: `Change the algorithm that sizes bundles. Every node switches to it before
its next bundle.

Algorithms and parameters:
  fixed         size
  nodethreads   multiplicator
  proportional  initialSize, performanceCacheSize, proportionalityFactor

Example:
  taskgrid balancer set proportional --param proportionalityFactor=3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetStringToString("param")

		c, err := dialDriver(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		s := bundler.Settings{Algorithm: args[0], Params: params}
		if err := c.ChangeLoadBalancerSettings(s); err != nil {
			return fmt.Errorf("failed to change load balancer: %w", err)
		}
		fmt.Printf("✓ Load balancer: %s\n", formatSettings(s))
		return nil
	},
}

func init() {
	balancerCmd.AddCommand(balancerGetCmd)
	balancerCmd.AddCommand(balancerSetCmd)

	balancerSetCmd.Flags().StringToString("param", nil, "Algorithm parameter (key=value, repeatable)")
	addDriverFlag(balancerGetCmd)
	addDriverFlag(balancerSetCmd)
}
