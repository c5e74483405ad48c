// file: cmd/ecsm-mirror/cmd/serve.go

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	"github.com/fx147/ecsm-mirror/pkg/apiserver"
	"github.com/fx147/ecsm-mirror/pkg/controller"
	"github.com/fx147/ecsm-mirror/pkg/informer"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/registry"
)

// newServeCmd 创建 serve 命令：运行 registry 和 API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: a bbolt registry behind the list/watch API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx)
		},
	}

	cmd.Flags().String("listen", ":8080", "Address the API server listens on")
	cmd.Flags().String("data", "ecsm-mirror.db", "Path of the bbolt database file")
	cmd.Flags().Duration("bookmark-interval", registry.DefaultBookmarkInterval, "Idle interval after which watchers receive a bookmark")
	cmd.Flags().Duration("compact-interval", time.Minute, "How often the event history is compacted; 0 disables compaction")
	cmd.Flags().Uint64("compact-keep", 1000, "Number of most recent resource versions kept in the event history")
	cmd.Flags().Int("status-workers", 2, "Workers of the ECSMService status controller; 0 disables it")

	for _, name := range []string{"listen", "data", "bookmark-interval", "compact-interval", "compact-keep", "status-workers"} {
		viper.BindPFlag("serve."+name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runServe(ctx context.Context) error {
	reg, err := registry.Open(viper.GetString("serve.data"), registry.Options{
		BookmarkInterval: viper.GetDuration("serve.bookmark-interval"),
	})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	srv := apiserver.NewServer(reg, apiserver.Options{
		Token:   viper.GetString("token"),
		Metrics: metrics.NewRegistry(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, viper.GetString("serve.listen"))
	})

	if interval := viper.GetDuration("serve.compact-interval"); interval > 0 {
		keep := viper.GetUint64("serve.compact-keep")
		g.Go(func() error {
			wait.UntilWithContext(ctx, func(ctx context.Context) {
				if _, err := reg.Compact(ctx, keep); err != nil && ctx.Err() == nil {
					klog.Errorf("Failed to compact registry history: %v", err)
				}
			}, interval)
			return nil
		})
	}

	if workers := viper.GetInt("serve.status-workers"); workers > 0 {
		if err := startStatusController(ctx, g, reg, workers); err != nil {
			return err
		}
	}

	return g.Wait()
}

// startStatusController 在进程内用 registry 的 ListWatch 驱动 ECSMService 状态控制器
func startStatusController(ctx context.Context, g *errgroup.Group, reg *registry.Registry, workers int) error {
	opts := util.ReflectorOptions(viper.GetViper())
	services, err := informer.NewInformer("services", reg.ListWatch(ecsmv1.ServiceKind, ""), 0, opts...)
	if err != nil {
		return err
	}
	nodes, err := informer.NewInformer("nodes", reg.ListWatch(ecsmv1.NodeKind, ""), 0, opts...)
	if err != nil {
		return err
	}
	ctrl := controller.NewServiceStatusController(reg, services, nodes)

	g.Go(func() error { return services.RunWithContext(ctx) })
	g.Go(func() error { return nodes.RunWithContext(ctx) })
	g.Go(func() error { return ctrl.Run(ctx, workers) })
	return nil
}
