// file: cmd/ecsm-mirror/cmd/put.go

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/clientset"
)

// newPutCmd 创建 put 命令：从 YAML/JSON 清单创建或更新对象
func newPutCmd() *cobra.Command {
	var filename string

	cmd := &cobra.Command{
		Use:   "put -f <FILE>",
		Short: "Create or update objects from a YAML or JSON manifest",
		Long: `Reads one or more objects separated by "---" from FILE ("-" for stdin).
Objects that do not exist yet are created, existing ones are replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = os.Stdin
			if filename != "-" {
				f, err := os.Open(filename)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			objs, err := util.DecodeManifests(in)
			if err != nil {
				return err
			}
			cs, err := util.NewClientsetFromFlags()
			if err != nil {
				return err
			}

			ctx := context.Background()
			for _, obj := range objs {
				action, err := put(ctx, cs, obj)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", metav1.IdentityOf(obj), action)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filename, "filename", "f", "", "Manifest file to apply, or - for stdin")
	cmd.MarkFlagRequired("filename")
	return cmd
}

// put 先尝试创建，对象已存在时无条件更新
func put(ctx context.Context, cs *clientset.Clientset, obj metav1.Object) (string, error) {
	meta := obj.GetObjectMeta()
	if meta.Namespace == "" {
		meta.Namespace = util.Namespace()
	}
	client := cs.Resource(obj.GetObjectKind().GroupVersionKind().Kind).Namespace(meta.Namespace)

	_, err := client.Create(ctx, obj)
	if err == nil {
		return "created", nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return "", err
	}

	meta.ResourceVersion = ""
	if _, err := client.Update(ctx, obj); err != nil {
		return "", err
	}
	return "configured", nil
}
