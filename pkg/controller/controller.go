// file: pkg/controller/controller.go

package controller

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/informer"
)

const (
	// maxRetries 是一个 key 在被放弃前的最大重试次数。
	maxRetries = 15
)

// SyncHandler 处理一个对象。obj 是 informer 缓存中的当前状态，对象已被删除时为 nil。
// 返回错误会让该对象按限速策略重新入队。
type SyncHandler func(ctx context.Context, id metav1.Identity, obj metav1.Object) error

// Controller 把 informer 的事件收敛成 Identity 放入限速工作队列，
// 由若干 worker 调用 SyncHandler。同一个 Identity 不会被并发处理。
type Controller struct {
	name     string
	informer informer.Informer
	sync     SyncHandler
	// synced 是启动 worker 前需要等待同步完成的缓存
	synced []toolscache.InformerSynced

	// queue 是一个限速工作队列。
	queue workqueue.TypedRateLimitingInterface[metav1.Identity]
}

// New 创建一个新的控制器实例，并在 informer 上注册事件处理器。
// 必须在 informer 启动之前调用，才能收到初始 list 的对象。
func New(name string, inf informer.Informer, sync SyncHandler) *Controller {
	c := &Controller{
		name:     name,
		informer: inf,
		sync:     sync,
		synced:   []toolscache.InformerSynced{inf.HasSynced},
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[metav1.Identity](),
			workqueue.TypedRateLimitingQueueConfig[metav1.Identity]{Name: name},
		),
	}

	// EventHandler 的唯一职责就是将事件的 key 推入队列。
	// 它不关心对象内容。
	inf.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc: c.Enqueue,
		UpdateFunc: func(old, new interface{}) {
			c.Enqueue(new)
		},
		DeleteFunc: c.Enqueue,
	})
	return c
}

// Enqueue 将一个对象的 Identity 添加到工作队列中。
func (c *Controller) Enqueue(obj interface{}) {
	o, ok := obj.(metav1.Object)
	if !ok {
		runtime.HandleError(fmt.Errorf("controller %s: unexpected object type %T", c.name, obj))
		return
	}
	c.queue.Add(metav1.IdentityOf(o))
}

// WaitFor 让 Run 在启动 worker 之前额外等待其他 informer 完成同步。
func (c *Controller) WaitFor(synced ...toolscache.InformerSynced) {
	c.synced = append(c.synced, synced...)
}

// EnqueueAll 把缓存中的所有对象重新入队，用于依赖的其他资源发生变化时。
func (c *Controller) EnqueueAll() {
	for _, id := range c.informer.GetStore().Keys() {
		c.queue.Add(id)
	}
}

// Run 启动控制器的主工作循环，直到 ctx 结束。informer 需要由调用方启动。
func (c *Controller) Run(ctx context.Context, workers int) error {
	defer runtime.HandleCrash()
	defer c.queue.ShutDown()

	klog.Infof("Starting %s controller", c.name)
	defer klog.Infof("Shutting down %s controller", c.name)

	klog.Info("Waiting for informer caches to sync...")
	if !toolscache.WaitForCacheSync(ctx.Done(), c.synced...) {
		if err := c.informer.LastError(); err != nil {
			return fmt.Errorf("controller %s: informer failed before sync: %w", c.name, err)
		}
		return fmt.Errorf("controller %s: timed out waiting for caches to sync", c.name)
	}

	klog.Info("Starting workers")
	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}

	<-ctx.Done()
	return nil
}

// runWorker 是一个持续运行的循环，负责从队列中消费任务并处理。
func (c *Controller) runWorker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

// processNextWorkItem 从队列中取出一个任务，并调用 reconcile 来处理它。
func (c *Controller) processNextWorkItem(ctx context.Context) bool {
	id, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(id)

	err := c.reconcile(ctx, id)
	c.handleErr(err, id)
	return true
}

// handleErr 负责处理 reconcile 返回的错误，并决定是否重试。
func (c *Controller) handleErr(err error, id metav1.Identity) {
	if err == nil {
		c.queue.Forget(id)
		return
	}

	if c.queue.NumRequeues(id) < maxRetries {
		klog.V(2).Infof("Error syncing %s: %v. Retrying.", id, err)
		c.queue.AddRateLimited(id)
		return
	}

	runtime.HandleError(err)
	klog.Warningf("Dropping %s out of the queue: %v", id, err)
	c.queue.Forget(id)
}

func (c *Controller) reconcile(ctx context.Context, id metav1.Identity) error {
	klog.V(4).Infof("Reconciling %s", id)
	obj, ok := c.informer.GetStore().Get(id)
	if !ok {
		obj = nil
	}
	return c.sync(ctx, id, obj)
}
