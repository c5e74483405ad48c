package watch

import (
	"sync"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
)

// FakeWatcher 是一个由测试或进程内数据源手动驱动的 watch.Interface。
// 所有发送方法在 Stop 之后都是空操作，不会 panic。
type FakeWatcher struct {
	result   chan Event
	done     chan struct{}
	stopOnce sync.Once
	// 发送方持有读锁，Stop 在关闭 result 之前拿写锁，保证不会向已关闭的 channel 发送。
	mu      sync.RWMutex
	stopped bool
}

var _ Interface = &FakeWatcher{}

// NewFake 创建一个无缓冲的 FakeWatcher。
func NewFake() *FakeWatcher {
	return NewFakeWithChanSize(0)
}

// NewFakeWithChanSize 创建一个带缓冲的 FakeWatcher，适合预先塞入事件。
func NewFakeWithChanSize(size int) *FakeWatcher {
	return &FakeWatcher{
		result: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Stop 关闭 result channel。
func (f *FakeWatcher) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped = true
		close(f.result)
	})
}

func (f *FakeWatcher) IsStopped() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stopped
}

func (f *FakeWatcher) ResultChan() <-chan Event {
	return f.result
}

// Action 发送一个事件，阻塞直到被消费或 watcher 被停止。
// 返回 false 表示 watcher 已经停止。
func (f *FakeWatcher) Action(ev Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return false
	}
	select {
	case f.result <- ev:
		return true
	case <-f.done:
		return false
	}
}

func (f *FakeWatcher) Add(obj metav1.Object) bool {
	return f.Action(Event{Type: Added, Object: obj})
}

func (f *FakeWatcher) Modify(obj metav1.Object) bool {
	return f.Action(Event{Type: Modified, Object: obj})
}

func (f *FakeWatcher) Delete(lastKnown metav1.Object) bool {
	return f.Action(Event{Type: Deleted, Object: lastKnown})
}

func (f *FakeWatcher) Bookmark(resourceVersion string) bool {
	return f.Action(Event{Type: Bookmark, ResourceVersion: resourceVersion})
}

func (f *FakeWatcher) Error(err error) bool {
	return f.Action(Event{Type: Error, Err: err})
}
