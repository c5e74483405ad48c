// file: cmd/ecsm-mirror/cmd/get.go

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// newGetCmd 创建 get 命令
func newGetCmd() *cobra.Command {
	var labelSelector, fieldSelector string

	cmd := &cobra.Command{
		Use:   "get <KIND>",
		Short: "Display one or many resources",
		Long: `Prints a table of the most important information about the objects of KIND.

services (svc) and nodes (no) get dedicated columns; any other kind is
printed with its generic metadata.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := util.NewClientsetFromFlags()
			if err != nil {
				return err
			}
			ctx := context.Background()
			opts := watch.ListOptions{LabelSelector: labelSelector, FieldSelector: fieldSelector}
			now := time.Now()

			switch kind := util.ResolveKind(args[0]); kind {
			case ecsmv1.ServiceKind:
				list, err := cs.Services(util.Namespace()).List(ctx, opts)
				if err != nil {
					return err
				}
				if len(list.Items) == 0 {
					fmt.Println("No services found.")
					return nil
				}
				util.PrintServicesTable(os.Stdout, list.Items, now)

			case ecsmv1.NodeKind:
				nodes, _, err := cs.Nodes().List(ctx, opts)
				if err != nil {
					return err
				}
				if len(nodes) == 0 {
					fmt.Println("No nodes found.")
					return nil
				}
				util.PrintNodesTable(os.Stdout, nodes, now)

			default:
				list, err := cs.Resource(kind).Namespace(util.Namespace()).List(ctx, opts)
				if err != nil {
					return err
				}
				if len(list.Items) == 0 {
					fmt.Printf("No %s objects found.\n", kind)
					return nil
				}
				util.PrintObjectsTable(os.Stdout, list.Items, now)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&labelSelector, "selector", "l", "", "Label selector to filter on, e.g. app=web")
	cmd.Flags().StringVar(&fieldSelector, "field-selector", "", "Field selector on metadata.name or metadata.namespace")
	return cmd
}
