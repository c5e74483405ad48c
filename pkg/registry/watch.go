package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/metrics"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// errSubscriberEvicted 表示 watcher 消费过慢被 registry 关闭。
var errSubscriberEvicted = errors.New("watcher fell behind and was closed by the registry")

// Watch 从 opts.ResourceVersion 之后开始推送 kind 的变更事件。
// ResourceVersion 为空表示从当前版本开始。ResourceVersion 早于已压缩的版本时返回
// ResourceExpired，调用方需要重新 list。
func (r *Registry) Watch(ctx context.Context, kind, namespace string, opts watch.ListOptions) (watch.Interface, error) {
	sel, err := newSelector(kind, opts)
	if err != nil {
		return nil, err
	}
	var from uint64
	if opts.ResourceVersion != "" {
		from, err = strconv.ParseUint(opts.ResourceVersion, 10, 64)
		if err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid resourceVersion %q", opts.ResourceVersion))
		}
	}

	// 持有 writeLock 保证订阅和读取历史之间没有写入：
	// 历史覆盖到 current，之后的事件全部来自订阅 channel。
	r.writeLock.Lock()
	r.subsLock.Lock()
	events, cancel := r.subscribeLocked()
	r.subsLock.Unlock()

	var (
		history   []Event
		current   uint64
		compacted uint64
	)
	err = r.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(_metadataBucketKey)
		current = readUint64(meta, _globalResourceVersionKey)
		compacted = readUint64(meta, _compactedRevisionKey)
		if opts.ResourceVersion == "" || from >= current {
			return nil
		}
		if from < compacted {
			return apierrors.NewResourceExpired(fmt.Sprintf("too old resource version: %d (%d)", from, compacted))
		}
		var err error
		history, err = r.readHistory(tx, from)
		return err
	})
	r.writeLock.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	if opts.ResourceVersion == "" {
		from = current
	}

	w := &watcher{
		registry:  r,
		selector:  sel,
		namespace: namespace,
		bookmarks: opts.AllowBookmarks,
		events:    events,
		cancel:    cancel,
		result:    make(chan watch.Event),
		stopCh:    make(chan struct{}),
		lastRV:    from,
	}
	var timeout time.Duration
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	go w.run(ctx, history, timeout)
	return w, nil
}

// readHistory 读取 resourceVersion 大于 from 的所有历史事件。
func (r *Registry) readHistory(tx *bolt.Tx, from uint64) ([]Event, error) {
	var out []Event
	c := tx.Bucket(_eventsBucketKey).Cursor()
	for k, v := c.Seek(encodeUint64(from + 1)); k != nil; k, v = c.Next() {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("corrupt history record at %d: %w", binary.BigEndian.Uint64(k), err)
		}
		obj, err := r.codec.Decode(rec.Object)
		if err != nil {
			return nil, fmt.Errorf("corrupt history object at %d: %w", binary.BigEndian.Uint64(k), err)
		}
		out = append(out, Event{
			Type:            rec.Type,
			Key:             metav1.IdentityOf(obj),
			Object:          obj,
			ResourceVersion: binary.BigEndian.Uint64(k),
		})
	}
	return out, nil
}

// watcher 是 registry 一侧的 watch 流。
type watcher struct {
	registry  *Registry
	selector  *selector
	namespace string
	bookmarks bool

	events <-chan Event
	cancel func()

	result   chan watch.Event
	stopCh   chan struct{}
	stopOnce sync.Once

	// lastRV 是这个 watcher 已经处理过的最大全局版本，包括被过滤掉的事件。
	lastRV uint64
}

var _ watch.Interface = &watcher{}

func (w *watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *watcher) ResultChan() <-chan watch.Event {
	return w.result
}

func (w *watcher) run(ctx context.Context, history []Event, timeout time.Duration) {
	defer close(w.result)
	defer w.cancel()

	metrics.ActiveWatchStreams.Inc()
	defer metrics.ActiveWatchStreams.Dec()

	for _, ev := range history {
		if !w.process(ctx, ev) {
			return
		}
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := w.registry.clock.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C()
	}
	var bookmarkC <-chan time.Time
	if w.bookmarks {
		ticker := w.registry.clock.NewTicker(w.registry.bookmarkInterval)
		defer ticker.Stop()
		bookmarkC = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-timeoutC:
			klog.V(4).Infof("Watch on %s timed out at resourceVersion %d", w.selector.kind, w.lastRV)
			return
		case <-bookmarkC:
			if !w.send(ctx, watch.Event{Type: watch.Bookmark, ResourceVersion: strconv.FormatUint(w.lastRV, 10)}) {
				return
			}
		case ev, ok := <-w.events:
			if !ok {
				w.send(ctx, watch.Event{Type: watch.Error, Err: watch.NewTransientError(errSubscriberEvicted)})
				return
			}
			if !w.process(ctx, ev) {
				return
			}
		}
	}
}

// process 过滤并发送一个事件。返回 false 表示 watcher 应该退出。
func (w *watcher) process(ctx context.Context, ev Event) bool {
	if ev.ResourceVersion <= w.lastRV {
		return true
	}
	w.lastRV = ev.ResourceVersion
	if w.namespace != "" && ev.Key.Namespace != w.namespace {
		return true
	}
	if !w.selector.matches(ev.Object) {
		return true
	}
	return w.send(ctx, ev.toWatchEvent())
}

func (w *watcher) send(ctx context.Context, ev watch.Event) bool {
	select {
	case w.result <- ev:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Compact 删除除最近 keep 个版本之外的历史事件，返回新的压缩点。
// 之后从压缩点之前的版本发起的 watch 会得到 ResourceExpired。
func (r *Registry) Compact(ctx context.Context, keep uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var compacted uint64
	var removed int
	err := r.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(_metadataBucketKey)
		current := readUint64(meta, _globalResourceVersionKey)
		compacted = readUint64(meta, _compactedRevisionKey)
		if current <= keep || current-keep <= compacted {
			return nil
		}
		target := current - keep

		// 游标遍历时删除会跳过元素，先收集 key
		b := tx.Bucket(_eventsBucketKey)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= target; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		compacted = target
		return meta.Put(_compactedRevisionKey, encodeUint64(target))
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		klog.V(2).Infof("Compacted %d history events up to resourceVersion %d", removed, compacted)
	}
	metrics.RegistryCompactedRevision.Set(float64(compacted))
	return compacted, nil
}

// ListWatch 返回一个直接读取 registry 的 ListerWatcher，用于进程内的 reflector。
func (r *Registry) ListWatch(kind, namespace string) watch.ListerWatcher {
	return watch.Funcs{
		ListFunc: func(ctx context.Context, opts watch.ListOptions) (*watch.List, error) {
			return r.List(ctx, kind, namespace, opts)
		},
		WatchFunc: func(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
			return r.Watch(ctx, kind, namespace, opts)
		},
	}
}
