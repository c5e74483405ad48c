// file: cmd/ecsm-mirror/cmd/delete.go

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
)

// newDeleteCmd 创建 delete 命令
func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <KIND> <NAME>",
		Short: "Delete a resource by kind and name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := util.NewClientsetFromFlags()
			if err != nil {
				return err
			}

			kind := util.ResolveKind(args[0])
			obj, err := cs.Resource(kind).Namespace(util.Namespace()).Delete(context.Background(), args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s deleted (resourceVersion %s)\n", metav1.IdentityOf(obj), obj.GetObjectMeta().ResourceVersion)
			return nil
		},
	}
}
