// file: cmd/ecsm-mirror/cmd/watch.go

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/internal/ecsm-mirror/util"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/clientset"
	"github.com/fx147/ecsm-mirror/pkg/informer"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
)

// newWatchCmd 创建 watch 命令：对一个 kind 运行 reflector，打印每一个变更
func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <KIND>",
		Short: "Mirror a kind and print every change as it is observed",
		Long: `Lists the objects of KIND, then keeps watching for changes, recovering
from dropped connections and expired resource versions on its own.
Every event dispatched by the mirror is printed as one row.

The command exits with an error when the server rejects the request
permanently (for example with 401 Unauthorized).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runWatch(ctx, util.ResolveKind(args[0]))
		},
	}

	cmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090; empty disables it")
	cmd.Flags().Duration("resync", 0, "Period of full re-lists; 0 disables periodic resync")
	viper.BindPFlag("metrics-addr", cmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("resync", cmd.Flags().Lookup("resync"))
	return cmd
}

func runWatch(ctx context.Context, kind string) error {
	cs, err := util.NewClientsetFromFlags()
	if err != nil {
		return err
	}

	inf, err := informer.NewInformer(kind,
		clientset.NewListWatch(cs, kind, util.Namespace()),
		viper.GetDuration("resync"),
		util.ReflectorOptions(viper.GetViper())...)
	if err != nil {
		return err
	}

	// 处理器在独立的 goroutine 中被调用，打印需要串行化
	var mu sync.Mutex
	printer := util.NewEventPrinter(os.Stdout)
	show := func(event string, obj interface{}, initial bool) {
		o, ok := obj.(metav1.Object)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		printer.Print(event, o, initial)
	}
	inf.AddEventHandler(toolscache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj interface{}, isInInitialList bool) {
			show("ADDED", obj, isInInitialList)
		},
		UpdateFunc: func(_, obj interface{}) {
			show("MODIFIED", obj, false)
		},
		DeleteFunc: func(obj interface{}) {
			show("DELETED", obj, false)
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	if addr := viper.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metrics.Handler(metrics.NewRegistry()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			klog.Infof("Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		if err := inf.RunWithContext(ctx); err != nil {
			return fmt.Errorf("mirror of %s stopped: %w", kind, err)
		}
		return nil
	})
	return g.Wait()
}
