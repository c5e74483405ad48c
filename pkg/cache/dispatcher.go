package cache

import (
	"fmt"
	"sync"
	"time"

	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// Observer 接收 Store 的变更通知。
// 每个观察者在自己的 goroutine 中按 FIFO 顺序收到通知，返回的错误只会被记录。
type Observer interface {
	OnEvent(delta Delta) error
}

// ObserverFunc 把一个函数适配成 Observer。
type ObserverFunc func(delta Delta) error

func (f ObserverFunc) OnEvent(delta Delta) error {
	return f(delta)
}

// HandlerObserver 把 client-go 风格的 ResourceEventHandler 适配成 Observer。
// list 产生的 Added 会以 isInInitialList=true 调用 OnAdd。
func HandlerObserver(handler toolscache.ResourceEventHandler) Observer {
	return ObserverFunc(func(d Delta) error {
		switch d.Type {
		case watch.Added:
			handler.OnAdd(d.Object, d.FromList)
		case watch.Modified:
			handler.OnUpdate(d.OldObject, d.Object)
		case watch.Deleted:
			handler.OnDelete(d.Object)
		}
		return nil
	})
}

// ObserverError 表示一个观察者处理通知失败（包括 panic）。
// 它不会影响其他观察者，也不会影响 reflector。
type ObserverError struct {
	Observer string
	Delta    Delta
	Err      error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %q failed on %s: %v", e.Observer, e.Delta, e.Err)
}

func (e *ObserverError) Unwrap() error {
	return e.Err
}

// DispatchPolicy 决定观察者队列满时怎么办。
type DispatchPolicy string

const (
	// BoundedWait 最多等待 Timeout，超时后对这个观察者丢弃该通知。
	BoundedWait DispatchPolicy = "BoundedWait"
	// DropOldest 丢弃队列里最旧的通知，为新通知腾出位置。
	DropOldest DispatchPolicy = "DropOldest"
)

const (
	DefaultQueueSize       = 1024
	DefaultDispatchTimeout = 5 * time.Second
)

type DispatcherOptions struct {
	Policy    DispatchPolicy
	QueueSize int
	Timeout   time.Duration
	// ErrorHandler 在观察者失败时被调用，可以为空。
	ErrorHandler func(*ObserverError)
}

func (o *DispatcherOptions) complete() {
	if o.Policy == "" {
		o.Policy = BoundedWait
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultDispatchTimeout
	}
}

// Validate 检查策略是否合法。
func (o DispatcherOptions) Validate() error {
	switch o.Policy {
	case "", BoundedWait, DropOldest:
		return nil
	default:
		return fmt.Errorf("unknown dispatch policy %q", o.Policy)
	}
}

// Dispatcher 把 Delta 扇出给所有订阅的观察者。
// Emit 只由 reflector 的 goroutine 调用，每个观察者有独立的有界队列和 goroutine，
// 慢观察者最多让 Emit 等待 Timeout（BoundedWait），不会无限阻塞数据摄取。
type Dispatcher struct {
	opts DispatcherOptions

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool

	wg sync.WaitGroup
	// abandon 在 Close 等待超时后关闭，drain 看到后不再投递剩余通知。
	abandon chan struct{}
}

type subscription struct {
	name     string
	observer Observer
	queue    chan Delta
	stopCh   chan struct{}
	stopOnce sync.Once
	// draining 为 true 时，goroutine 退出前先处理完队列中剩余的通知。
	draining bool
}

func (s *subscription) stop(drain bool) {
	s.stopOnce.Do(func() {
		s.draining = drain
		close(s.stopCh)
	})
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	opts.complete()
	return &Dispatcher{
		opts:    opts,
		subs:    make(map[int]*subscription),
		abandon: make(chan struct{}),
	}
}

// Subscribe 以自动生成的名字订阅。
func (d *Dispatcher) Subscribe(observer Observer) func() {
	return d.SubscribeNamed("", observer)
}

// SubscribeNamed 注册一个观察者，返回取消订阅的函数。
// 观察者只会收到订阅之后 Emit 的通知。取消订阅后队列中未处理的通知会被丢弃。
func (d *Dispatcher) SubscribeNamed(name string, observer Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		klog.V(4).Infof("Dispatcher closed, ignoring subscription %q", name)
		return func() {}
	}

	id := d.nextID
	d.nextID++
	if name == "" {
		name = fmt.Sprintf("observer-%d", id)
	}
	sub := &subscription{
		name:     name,
		observer: observer,
		queue:    make(chan Delta, d.opts.QueueSize),
		stopCh:   make(chan struct{}),
	}
	d.subs[id] = sub

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(sub)
	}()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
		sub.stop(false)
	}
}

// Emit 把一个 Delta 放入每个观察者的队列。
func (d *Dispatcher) Emit(delta Delta) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		d.enqueue(sub, delta)
	}
}

func (d *Dispatcher) enqueue(sub *subscription, delta Delta) {
	select {
	case sub.queue <- delta:
		return
	case <-sub.stopCh:
		return
	default:
	}

	switch d.opts.Policy {
	case DropOldest:
		for {
			select {
			case <-sub.queue:
				d.dropped(sub)
			default:
			}
			select {
			case sub.queue <- delta:
				return
			case <-sub.stopCh:
				return
			default:
			}
		}
	default:
		timer := time.NewTimer(d.opts.Timeout)
		defer timer.Stop()
		select {
		case sub.queue <- delta:
		case <-sub.stopCh:
		case <-timer.C:
			d.dropped(sub)
		}
	}
}

func (d *Dispatcher) dropped(sub *subscription) {
	metrics.DispatcherDroppedTotal.WithLabelValues(sub.name, string(d.opts.Policy)).Inc()
	klog.Warningf("Observer %q is too slow, dropped a notification (policy %s)", sub.name, d.opts.Policy)
}

func (d *Dispatcher) run(sub *subscription) {
	for {
		select {
		case <-d.abandon:
			return
		default:
		}
		select {
		case <-sub.stopCh:
			if sub.draining {
				d.drain(sub)
			}
			return
		case delta := <-sub.queue:
			if err := d.deliver(sub, delta); err != nil {
				d.handleError(err)
			}
		}
	}
}

func (d *Dispatcher) drain(sub *subscription) {
	for {
		select {
		case <-d.abandon:
			return
		default:
		}
		select {
		case delta := <-sub.queue:
			if err := d.deliver(sub, delta); err != nil {
				d.handleError(err)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(sub *subscription, delta Delta) (oerr *ObserverError) {
	defer func() {
		if r := recover(); r != nil {
			oerr = &ObserverError{Observer: sub.name, Delta: delta, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := sub.observer.OnEvent(delta); err != nil {
		return &ObserverError{Observer: sub.name, Delta: delta, Err: err}
	}
	return nil
}

func (d *Dispatcher) handleError(err *ObserverError) {
	metrics.ObserverErrorsTotal.WithLabelValues(err.Observer).Inc()
	klog.ErrorS(err.Err, "Observer failed", "observer", err.Observer, "delta", err.Delta.String())
	if d.opts.ErrorHandler != nil {
		d.opts.ErrorHandler(err)
	}
}

// Close 停止接收新的通知，等待每个观察者处理完已入队的通知后退出。
// 最多等待 Timeout，超时后剩余通知被丢弃，卡在回调里的观察者 goroutine 不再等待。
// 不能在观察者回调中调用。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, sub := range d.subs {
		sub.stop(true)
		delete(d.subs, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		close(d.abandon)
		klog.Warningf("Dispatcher: observers did not finish within %v, abandoning pending notifications", d.opts.Timeout)
	}
}
