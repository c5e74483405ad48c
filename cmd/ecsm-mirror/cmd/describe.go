// file: cmd/ecsm-mirror/cmd/describe.go

package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
)

// newDescribeCmd 创建 describe 命令
func newDescribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "describe [resource] [name]",
		Short: "Show detailed information about a resource",
		Long:  `Prints a detailed description of the specified resource.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	// 添加 describe 的子命令
	cmd.AddCommand(newDescribeServiceCmd())
	cmd.AddCommand(newDescribeNodeCmd())

	return cmd
}

// newDescribeServiceCmd 创建 "describe service" 子命令
func newDescribeServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "service <SERVICE_NAME>",
		Short:   "Show detailed information about a specific service",
		Aliases: []string{"svc"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := util.NewClientsetFromFlags()
			if err != nil {
				return err
			}

			svc, err := cs.Services(util.Namespace()).Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			util.PrintServiceDetails(os.Stdout, svc)
			return nil
		},
	}
}

// newDescribeNodeCmd 创建 "describe node" 子命令
func newDescribeNodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "node <NODE_NAME>",
		Short:   "Show detailed information about a specific node",
		Aliases: []string{"no"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := util.NewClientsetFromFlags()
			if err != nil {
				return err
			}

			node, err := cs.Nodes().Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			util.PrintNodeDetails(os.Stdout, node)
			return nil
		},
	}
}
