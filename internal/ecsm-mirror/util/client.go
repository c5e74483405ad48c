// file: internal/ecsm-mirror/util/client.go

package util

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/clientset"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"
	"github.com/fx147/ecsm-mirror/pkg/informer"
)

// NewClientsetFromFlags 从 viper 中读取全局标志，并创建一个新的 ecsm-client Clientset。
func NewClientsetFromFlags() (*clientset.Clientset, error) {
	server := viper.GetString("server")
	if server == "" {
		return nil, fmt.Errorf("server must be specified")
	}

	return clientset.NewClientset(rest.Config{
		Host:        server,
		BearerToken: viper.GetString("token"),
		Timeout:     viper.GetDuration("request-timeout"),
	})
}

// Namespace 返回 --namespace 指定的命名空间，为空表示所有命名空间。
func Namespace() string {
	return viper.GetString("namespace")
}

// kindAliases 把命令行上常用的简写映射到 kind。
var kindAliases = map[string]string{
	"service":  ecsmv1.ServiceKind,
	"services": ecsmv1.ServiceKind,
	"svc":      ecsmv1.ServiceKind,
	"node":     ecsmv1.NodeKind,
	"nodes":    ecsmv1.NodeKind,
	"no":       ecsmv1.NodeKind,
}

// ResolveKind 返回参数对应的 kind，未知的简写原样返回。
func ResolveKind(arg string) string {
	if kind, ok := kindAliases[strings.ToLower(arg)]; ok {
		return kind
	}
	return arg
}

// ReflectorOptions 把配置文件和环境变量中的调优参数转换成 informer 选项。
// 没有设置的键保持库的默认值，非法取值由 informer.NewReflector 校验。
func ReflectorOptions(v *viper.Viper) []informer.Option {
	var opts []informer.Option

	cfg := informer.DefaultBackoffConfig()
	if v.IsSet("backoff.base") {
		cfg.Base = v.GetDuration("backoff.base")
	}
	if v.IsSet("backoff.ceiling") {
		cfg.Ceiling = v.GetDuration("backoff.ceiling")
	}
	if v.IsSet("backoff.jitter") {
		cfg.Jitter = v.GetFloat64("backoff.jitter")
	}
	if v.IsSet("backoff.min-uptime") {
		cfg.MinUptime = v.GetDuration("backoff.min-uptime")
	}
	opts = append(opts, informer.WithBackoff(cfg))

	if v.IsSet("dispatch.policy") || v.IsSet("dispatch.queue-size") || v.IsSet("dispatch.timeout") {
		opts = append(opts, informer.WithDispatchOptions(cache.DispatcherOptions{
			Policy:    cache.DispatchPolicy(v.GetString("dispatch.policy")),
			QueueSize: v.GetInt("dispatch.queue-size"),
			Timeout:   v.GetDuration("dispatch.timeout"),
		}))
	}
	if v.IsSet("watch.timeout") {
		opts = append(opts, informer.WithWatchTimeout(v.GetDuration("watch.timeout")))
	}
	if v.IsSet("bookmarks") {
		opts = append(opts, informer.WithBookmarks(v.GetBool("bookmarks")))
	}
	return opts
}
