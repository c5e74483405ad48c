// Package informer 实现 list-then-watch 的 reflector，以及构建在它之上的 Informer。
package informer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// State 是 reflector 状态机的状态。
type State string

const (
	StateStarting   State = "Starting"
	StateListing    State = "Listing"
	StateWatching   State = "Watching"
	StateRecovering State = "Recovering"
	StateTerminated State = "Terminated"
)

// ErrAlreadyStarted 表示 Run 被调用了不止一次。
var ErrAlreadyStarted = errors.New("reflector already started")

// errMissingResourceVersion 表示 list 结果没有带集合版本，无法从它开始 watch。
var errMissingResourceVersion = errors.New("list response has no resourceVersion")

// Reflector 通过 list-then-watch 维护一个 Store 的镜像：
// 先全量 list 填充 Store，然后从 list 返回的版本开始 watch，
// 把每个事件应用到 Store 并分发给观察者。失败时按错误分类恢复：
// Expired 重新 list，Transient 退避后从当前版本重新 watch，Permanent 终止。
//
// 一个 Reflector 独占一对 Store 和 ResourceVersionTracker，
// Run 所在的 goroutine 是它们唯一的写者。
type Reflector struct {
	name string
	lw   watch.ListerWatcher
	opts options

	store      *cache.Store
	tracker    *cache.ResourceVersionTracker
	dispatcher *cache.Dispatcher
	backoff    *BackoffPolicy

	started atomic.Bool
	synced  atomic.Bool

	// appliedSinceList 记录上次 list 之后是否应用过 watch 事件，只由 Run 的 goroutine 读写。
	appliedSinceList bool

	mu      sync.RWMutex
	state   State
	lastErr error
}

// NewReflector 创建一个 reflector。name 用于日志和指标。
func NewReflector(name string, lw watch.ListerWatcher, opts ...Option) (*Reflector, error) {
	if lw == nil {
		return nil, fmt.Errorf("reflector %q: ListerWatcher is required", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("reflector %q: %w", name, err)
	}

	return &Reflector{
		name:       name,
		lw:         lw,
		opts:       o,
		store:      cache.NewStore(),
		tracker:    cache.NewResourceVersionTracker(),
		dispatcher: cache.NewDispatcher(o.dispatch),
		backoff:    NewBackoffPolicy(o.backoff, o.clock),
		state:      StateStarting,
	}, nil
}

func (r *Reflector) Name() string {
	return r.name
}

// Store 返回 reflector 维护的只读镜像。
func (r *Reflector) Store() cache.Reader {
	return r.store
}

// Subscribe 注册一个观察者，返回取消订阅的函数。
// 要收到初始 list 的通知，必须在 Run 之前订阅。
func (r *Reflector) Subscribe(observer cache.Observer) func() {
	return r.dispatcher.Subscribe(observer)
}

// SubscribeNamed 与 Subscribe 相同，name 出现在日志和指标中。
func (r *Reflector) SubscribeNamed(name string, observer cache.Observer) func() {
	return r.dispatcher.SubscribeNamed(name, observer)
}

func (r *Reflector) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// HasSynced 在第一次 list 成功应用到 Store 之后返回 true。
func (r *Reflector) HasSynced() bool {
	return r.synced.Load()
}

// LastError 返回最近一次 list/watch 失败的原因。
func (r *Reflector) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LastSyncResourceVersion 返回当前跟踪的集合版本。
func (r *Reflector) LastSyncResourceVersion() string {
	return r.tracker.Current()
}

func (r *Reflector) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != s {
		klog.V(5).Infof("Reflector %s: %s -> %s", r.name, r.state, s)
	}
	r.state = s
}

func (r *Reflector) setLastError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
}

// Run 运行 reflector 直到 ctx 被取消（返回 nil）或遇到 Permanent 错误（返回该错误）。
// Run 只能调用一次。返回时所有观察者已经处理完排队的通知。
func (r *Reflector) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer r.dispatcher.Close()

	klog.Infof("Starting reflector %s", r.name)
	err := r.loop(ctx)
	r.setState(StateTerminated)

	if err != nil {
		r.setLastError(err)
		klog.ErrorS(err, "Reflector terminated", "reflector", r.name)
		if r.opts.onFatal != nil {
			r.opts.onFatal(err)
		}
		return err
	}
	klog.Infof("Stopping reflector %s", r.name)
	return nil
}

func (r *Reflector) loop(ctx context.Context) error {
	next := StateListing
	var cause error
	for {
		if ctx.Err() != nil {
			return nil
		}
		from := next
		switch next {
		case StateListing:
			next, cause = r.list(ctx)
		case StateWatching:
			next, cause = r.watch(ctx)
		case StateTerminated:
			return cause
		}
		if next == StateRecovering {
			next, cause = r.recover(ctx, from, cause)
		}
	}
}

// list 全量 list 并用结果替换 Store 的内容。
func (r *Reflector) list(ctx context.Context) (State, error) {
	r.setState(StateListing)
	r.tracker.Reset()

	opts := r.opts.listOptions
	opts.ResourceVersion = ""
	opts.TimeoutSeconds = 0
	opts.AllowBookmarks = false

	start := r.opts.clock.Now()
	list, err := r.lw.List(ctx, opts)
	metrics.ReflectorListDuration.WithLabelValues(r.name).Observe(r.opts.clock.Since(start).Seconds())
	if err == nil && list.ResourceVersion == "" {
		err = errMissingResourceVersion
	}
	if err != nil {
		if ctx.Err() != nil {
			return StateTerminated, nil
		}
		metrics.ReflectorListsTotal.WithLabelValues(r.name, "error").Inc()
		return StateRecovering, fmt.Errorf("list: %w", err)
	}
	metrics.ReflectorListsTotal.WithLabelValues(r.name, "success").Inc()
	r.setLastError(nil)
	r.appliedSinceList = false

	deltas := r.store.Replace(list.Items, list.ResourceVersion)
	if err := r.tracker.Observe(list.ResourceVersion); err != nil {
		return StateRecovering, err
	}
	r.backoff.Connected()

	for _, d := range deltas {
		r.dispatcher.Emit(d)
	}
	metrics.ReflectorStoreItems.WithLabelValues(r.name).Set(float64(r.store.Len()))

	if !r.synced.Swap(true) {
		klog.Infof("Reflector %s synced %d objects at resourceVersion %s", r.name, len(list.Items), list.ResourceVersion)
	} else {
		klog.V(2).Infof("Reflector %s relisted %d objects at resourceVersion %s (%d changes)", r.name, len(list.Items), list.ResourceVersion, len(deltas))
	}
	return StateWatching, nil
}

// watch 从当前版本开始 watch，直到流结束、出错、需要 resync 或 ctx 被取消。
func (r *Reflector) watch(ctx context.Context) (State, error) {
	r.setState(StateWatching)

	opts := r.opts.listOptions
	opts.ResourceVersion = r.tracker.Current()
	opts.AllowBookmarks = r.opts.bookmarks
	opts.TimeoutSeconds = int64(r.opts.watchTimeout / time.Second)

	w, err := r.lw.Watch(ctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return StateTerminated, nil
		}
		return StateRecovering, fmt.Errorf("watch: %w", err)
	}
	defer w.Stop()
	metrics.ReflectorWatchesTotal.WithLabelValues(r.name).Inc()
	klog.V(4).Infof("Reflector %s watching from resourceVersion %s", r.name, opts.ResourceVersion)
	r.backoff.Connected()

	var resyncC <-chan time.Time
	if r.opts.resyncPeriod > 0 {
		t := r.opts.clock.NewTimer(r.opts.resyncPeriod)
		defer t.Stop()
		resyncC = t.C()
	}

	for {
		select {
		case <-ctx.Done():
			return StateTerminated, nil
		case <-resyncC:
			klog.V(4).Infof("Reflector %s forcing resync", r.name)
			return StateListing, nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return StateRecovering, watch.ErrWatchClosed
			}
			metrics.ReflectorWatchEventsTotal.WithLabelValues(r.name, string(ev.Type)).Inc()
			if err := r.handleEvent(ev); err != nil {
				return StateRecovering, err
			}
			if ev.Type != watch.Bookmark {
				r.appliedSinceList = true
			}
			r.backoff.Healthy()
		}
	}
}

// handleEvent 按 Apply -> Observe -> Emit 的顺序处理一个事件。
func (r *Reflector) handleEvent(ev watch.Event) error {
	switch ev.Type {
	case watch.Added, watch.Modified, watch.Deleted:
		delta, changed, err := r.store.Apply(ev)
		if err != nil {
			return &watch.DecodeError{Err: err}
		}
		if marker := ev.Marker(); marker != "" {
			// 已经检查过非空
			_ = r.tracker.Observe(marker)
		}
		if changed {
			r.dispatcher.Emit(delta)
			metrics.ReflectorStoreItems.WithLabelValues(r.name).Set(float64(r.store.Len()))
		}
	case watch.Bookmark:
		if err := r.tracker.Observe(ev.Marker()); err != nil {
			klog.V(4).Infof("Reflector %s ignoring bookmark without resourceVersion", r.name)
		}
	case watch.Error:
		if ev.Err == nil {
			return errors.New("watch error event without cause")
		}
		return ev.Err
	default:
		klog.Warningf("Reflector %s ignoring unknown watch event type %q", r.name, ev.Type)
	}
	return nil
}

// recover 根据错误分类决定下一个状态。from 是失败发生时所处的状态。
func (r *Reflector) recover(ctx context.Context, from State, cause error) (State, error) {
	r.setState(StateRecovering)
	r.setLastError(cause)

	class := watch.Classify(cause)
	metrics.ReflectorRecoveriesTotal.WithLabelValues(r.name, class.String()).Inc()

	switch {
	case class == watch.Permanent:
		return StateTerminated, fmt.Errorf("reflector %s: %w", r.name, cause)
	case class == watch.Expired && from == StateWatching:
		r.tracker.Reset()
		if r.appliedSinceList {
			klog.V(2).Infof("Reflector %s: resourceVersion is too old, relisting: %v", r.name, cause)
			return StateListing, nil
		}
		// 刚 list 完的版本马上又过期，说明源一直在拒绝，重新 list 前先退避
		delay := r.backoff.Failure()
		klog.Warningf("Reflector %s: resourceVersion expired right after list: %v; relisting in %v (attempt %d)", r.name, cause, delay, r.backoff.FailureCount())
		if !r.sleep(ctx, delay) {
			return StateTerminated, nil
		}
		return StateListing, nil
	}

	delay := r.backoff.Failure()
	klog.Warningf("Reflector %s: %v; retrying in %v (attempt %d)", r.name, cause, delay, r.backoff.FailureCount())
	if !r.sleep(ctx, delay) {
		return StateTerminated, nil
	}
	if from == StateListing {
		return StateListing, nil
	}
	return StateWatching, nil
}

// sleep 等待 d 或 ctx 取消，ctx 被取消时返回 false。
func (r *Reflector) sleep(ctx context.Context, d time.Duration) bool {
	t := r.opts.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
