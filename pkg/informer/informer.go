// file: pkg/informer/informer.go

package informer

import (
	"context"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// ResourceEventHandler 是一组由业务控制器提供的回调函数。
// 我们直接复用 client-go 的定义。
type ResourceEventHandler = toolscache.ResourceEventHandler

// Informer 在 Reflector 之上提供 client-go 风格的接口。
type Informer interface {
	// AddEventHandler 注册一个事件处理器，返回取消注册的函数。
	// 要收到初始 list 的 OnAdd，必须在 Run 之前注册。
	AddEventHandler(handler ResourceEventHandler) func()
	// Run 启动 Informer 的主循环，直到 stopCh 关闭或遇到无法恢复的错误。
	Run(stopCh <-chan struct{})
	// RunWithContext 与 Run 相同，但会返回导致终止的错误。
	RunWithContext(ctx context.Context) error
	HasSynced() bool
	GetStore() cache.Reader
	LastError() error
}

// informer 是 Informer 接口的具体实现。
type informer struct {
	name      string
	reflector *Reflector
}

// NewInformer 创建一个新的 Informer 实例。
// resyncPeriod 大于 0 时会周期性地全量 re-list，作为错过事件的安全网。
func NewInformer(name string, lw watch.ListerWatcher, resyncPeriod time.Duration, opts ...Option) (Informer, error) {
	opts = append(opts, WithResyncPeriod(resyncPeriod))
	r, err := NewReflector(name, lw, opts...)
	if err != nil {
		return nil, err
	}
	return &informer{name: name, reflector: r}, nil
}

func (i *informer) AddEventHandler(handler ResourceEventHandler) func() {
	return i.reflector.Subscribe(cache.HandlerObserver(handler))
}

func (i *informer) Run(stopCh <-chan struct{}) {
	defer utilruntime.HandleCrash()

	ctx := wait.ContextForChannel(stopCh)
	if err := i.RunWithContext(ctx); err != nil {
		utilruntime.HandleError(err)
	}
}

func (i *informer) RunWithContext(ctx context.Context) error {
	klog.Infof("Starting informer %s", i.name)
	defer klog.Infof("Shutting down informer %s", i.name)
	return i.reflector.Run(ctx)
}

func (i *informer) HasSynced() bool {
	return i.reflector.HasSynced()
}

func (i *informer) GetStore() cache.Reader {
	return i.reflector.Store()
}

func (i *informer) LastError() error {
	return i.reflector.LastError()
}
