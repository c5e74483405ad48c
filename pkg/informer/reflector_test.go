package informer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

var widgets = schema.GroupResource{Group: "example.io", Resource: "widgets"}

func newWidget(name, rv string) *metav1.RawObject {
	return &metav1.RawObject{
		TypeMeta:   metav1.TypeMeta{Kind: "Widget", APIVersion: "example.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", ResourceVersion: rv},
	}
}

func widgetID(name string) metav1.Identity {
	return metav1.Identity{Kind: "Widget", Namespace: "default", Name: name}
}

type listResult struct {
	list *watch.List
	err  error
}

type watchResult struct {
	w   *watch.FakeWatcher
	err error
}

// scriptedListerWatcher 按顺序返回预先编排好的 list 和 watch 结果。
// 脚本用完之后 list 重复最后一个结果，watch 返回一个永远不产生事件的流。
type scriptedListerWatcher struct {
	mu         sync.Mutex
	lists      []listResult
	watches    []watchResult
	listCalls  []watch.ListOptions
	watchCalls []watch.ListOptions
	idle       []*watch.FakeWatcher
}

func (s *scriptedListerWatcher) List(ctx context.Context, opts watch.ListOptions) (*watch.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls = append(s.listCalls, opts)
	res := s.lists[0]
	if len(s.lists) > 1 {
		s.lists = s.lists[1:]
	}
	return res.list, res.err
}

func (s *scriptedListerWatcher) Watch(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCalls = append(s.watchCalls, opts)
	if len(s.watches) == 0 {
		w := watch.NewFake()
		s.idle = append(s.idle, w)
		return w, nil
	}
	res := s.watches[0]
	s.watches = s.watches[1:]
	if res.err != nil {
		return nil, res.err
	}
	return res.w, nil
}

func (s *scriptedListerWatcher) calls() (lists, watches []watch.ListOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]watch.ListOptions(nil), s.listCalls...), append([]watch.ListOptions(nil), s.watchCalls...)
}

func listOf(rv string, objs ...metav1.Object) listResult {
	return listResult{list: &watch.List{Items: objs, ResourceVersion: rv}}
}

// stream 返回一个预先塞好事件的 watcher。closed 为 true 时事件读完后流结束。
func stream(closed bool, events ...watch.Event) watchResult {
	w := watch.NewFakeWithChanSize(len(events))
	for _, ev := range events {
		w.Action(ev)
	}
	if closed {
		w.Stop()
	}
	return watchResult{w: w}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Millisecond, Ceiling: 10 * time.Millisecond, MinUptime: time.Minute}
}

// collector 记录分发出来的通知。
type collector struct {
	mu     sync.Mutex
	deltas []cache.Delta
}

func (c *collector) OnEvent(d cache.Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltas = append(c.deltas, d)
	return nil
}

func (c *collector) snapshot() []cache.Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cache.Delta(nil), c.deltas...)
}

type runResult struct {
	err error
}

func startReflector(t *testing.T, lw watch.ListerWatcher, opts ...Option) (*Reflector, *collector, context.CancelFunc, <-chan runResult) {
	t.Helper()
	opts = append([]Option{WithBackoff(fastBackoff())}, opts...)
	r, err := NewReflector("widgets", lw, opts...)
	require.NoError(t, err)

	c := &collector{}
	r.Subscribe(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: r.Run(ctx)}
	}()
	t.Cleanup(cancel)
	return r, c, cancel, done
}

func waitDone(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case res := <-done:
		return res.err
	case <-time.After(5 * time.Second):
		t.Fatal("reflector did not stop")
		return nil
	}
}

func TestReflectorListThenWatch(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{listOf("10", newWidget("x", "1"))},
		watches: []watchResult{stream(false,
			watch.Event{Type: watch.Modified, Object: newWidget("x", "2"), ResourceVersion: "11"},
			watch.Event{Type: watch.Deleted, Object: newWidget("x", "2"), ResourceVersion: "12"},
		)},
	}
	r, c, cancel, done := startReflector(t, lw)

	require.Eventually(t, func() bool { return r.LastSyncResourceVersion() == "12" }, 5*time.Second, time.Millisecond)
	assert.True(t, r.HasSynced())
	assert.Equal(t, 0, r.Store().Len())
	assert.Equal(t, StateWatching, r.State())

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateTerminated, r.State())

	// Run 返回时所有通知都已送达
	got := c.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, watch.Added, got[0].Type)
	assert.True(t, got[0].FromList)
	assert.Equal(t, watch.Modified, got[1].Type)
	assert.Equal(t, "1", metav1.RevisionOf(got[1].OldObject))
	assert.Equal(t, watch.Deleted, got[2].Type)
	for _, d := range got {
		assert.Equal(t, widgetID("x"), d.Identity())
	}

	lists, watches := lw.calls()
	require.Len(t, lists, 1)
	require.NotEmpty(t, watches)
	assert.Equal(t, "10", watches[0].ResourceVersion)
	assert.True(t, watches[0].AllowBookmarks)
}

func TestReflectorExpiredRelists(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{
			listOf("10", newWidget("a", "1"), newWidget("b", "1"), newWidget("c", "1")),
			listOf("20", newWidget("a", "1"), newWidget("c", "1")),
			listOf("30", newWidget("a", "1"), newWidget("c", "1")),
		},
		watches: []watchResult{
			stream(false, watch.Event{Type: watch.Error, Err: apierrors.NewResourceExpired("too old resource version: 10")}),
			{err: apierrors.NewResourceExpired("too old resource version: 20")},
		},
	}
	r, c, cancel, done := startReflector(t, lw)

	require.Eventually(t, func() bool {
		lists, watches := lw.calls()
		return len(lists) == 3 && len(watches) == 3
	}, 5*time.Second, time.Millisecond)
	assert.NotEqual(t, StateTerminated, r.State())
	// 成功 list 之后不再报告之前的错误
	assert.NoError(t, r.LastError())

	cancel()
	require.NoError(t, waitDone(t, done))

	_, watches := lw.calls()
	assert.Equal(t, "10", watches[0].ResourceVersion)
	assert.Equal(t, "20", watches[1].ResourceVersion)
	assert.Equal(t, "30", watches[2].ResourceVersion)
	assert.Equal(t, []metav1.Identity{widgetID("a"), widgetID("c")}, r.Store().Keys())

	var deleted []metav1.Identity
	for _, d := range c.snapshot() {
		if d.Type == watch.Deleted {
			deleted = append(deleted, d.Identity())
		}
	}
	assert.Equal(t, []metav1.Identity{widgetID("b")}, deleted)
}

func TestReflectorBacksOffWhenWatchAlwaysExpires(t *testing.T) {
	var lists atomic.Int32
	lw := watch.Funcs{
		ListFunc: func(ctx context.Context, opts watch.ListOptions) (*watch.List, error) {
			lists.Add(1)
			return &watch.List{Items: []metav1.Object{newWidget("a", "1")}, ResourceVersion: "10"}, nil
		},
		WatchFunc: func(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
			return nil, apierrors.NewResourceExpired("too old resource version: 10")
		},
	}
	r, _, cancel, done := startReflector(t, lw,
		WithBackoff(BackoffConfig{Base: 5 * time.Millisecond, Ceiling: 50 * time.Millisecond, MinUptime: time.Minute}))

	time.Sleep(200 * time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.True(t, r.HasSynced())
	assert.GreaterOrEqual(t, lists.Load(), int32(2))
	assert.Less(t, lists.Load(), int32(30))
}

func TestReflectorExpiredAfterEventsRelistsImmediately(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{
			listOf("10", newWidget("a", "1")),
			listOf("20", newWidget("a", "2")),
		},
		watches: []watchResult{
			stream(false,
				watch.Event{Type: watch.Modified, Object: newWidget("a", "2")},
				watch.Event{Type: watch.Error, Err: apierrors.NewResourceExpired("too old resource version: 11")},
			),
		},
	}
	// 退避很长：只有不退避才能在超时前完成第二次 list
	r, _, cancel, done := startReflector(t, lw,
		WithBackoff(BackoffConfig{Base: time.Hour, Ceiling: time.Hour, MinUptime: time.Minute}))

	require.Eventually(t, func() bool {
		lists, _ := lw.calls()
		return len(lists) == 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, r.Store().Len())
}

func TestReflectorTransientResumesFromLastMarker(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{listOf("10", newWidget("a", "1"))},
		watches: []watchResult{
			stream(true, watch.Event{Type: watch.Added, Object: newWidget("b", "11")}),
			{err: apierrors.NewServiceUnavailable("restarting")},
			// 数据源至少投递一次：重放已经应用过的事件不会产生新的通知
			stream(false,
				watch.Event{Type: watch.Added, Object: newWidget("b", "11")},
				watch.Event{Type: watch.Modified, Object: newWidget("a", "14")},
				watch.Event{Type: watch.Bookmark, ResourceVersion: "15"},
			),
		},
	}
	r, c, cancel, done := startReflector(t, lw)

	require.Eventually(t, func() bool { return r.LastSyncResourceVersion() == "15" }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	lists, watches := lw.calls()
	assert.Len(t, lists, 1, "transient errors must not relist")
	require.Len(t, watches, 3)
	assert.Equal(t, "10", watches[0].ResourceVersion)
	assert.Equal(t, "11", watches[1].ResourceVersion)
	assert.Equal(t, "11", watches[2].ResourceVersion)

	got := c.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, widgetID("a"), got[0].Identity())
	assert.Equal(t, watch.Added, got[1].Type)
	assert.Equal(t, widgetID("b"), got[1].Identity())
	assert.Equal(t, watch.Modified, got[2].Type)
	assert.Equal(t, widgetID("a"), got[2].Identity())
}

func TestReflectorPermanentWatchErrorTerminates(t *testing.T) {
	var fatal error
	lw := &scriptedListerWatcher{
		lists:   []listResult{listOf("10")},
		watches: []watchResult{{err: apierrors.NewUnauthorized("bad token")}},
	}
	r, _, _, done := startReflector(t, lw, WithFatalErrorHandler(func(err error) { fatal = err }))

	err := waitDone(t, done)
	require.Error(t, err)
	assert.True(t, apierrors.IsUnauthorized(err))
	assert.Equal(t, err, fatal)
	assert.Equal(t, err, r.LastError())
	assert.Equal(t, StateTerminated, r.State())

	lists, watches := lw.calls()
	assert.Len(t, lists, 1)
	assert.Len(t, watches, 1, "permanent errors are not retried")
}

func TestReflectorPermanentStreamErrorTerminates(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{listOf("10")},
		watches: []watchResult{stream(false, watch.Event{
			Type: watch.Error,
			Err:  watch.NewPermanentError(errors.New("schema mismatch")),
		})},
	}
	_, _, _, done := startReflector(t, lw)

	err := waitDone(t, done)
	require.Error(t, err)
	assert.Equal(t, watch.Permanent, watch.Classify(err))
}

func TestReflectorPermanentListErrorTerminates(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{{err: apierrors.NewForbidden(widgets, "", errors.New("denied"))}},
	}
	r, _, _, done := startReflector(t, lw)

	err := waitDone(t, done)
	require.Error(t, err)
	assert.True(t, apierrors.IsForbidden(err))
	assert.False(t, r.HasSynced())

	lists, watches := lw.calls()
	assert.Len(t, lists, 1)
	assert.Empty(t, watches)
}

func TestReflectorRetriesTransientListErrors(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{
			{err: apierrors.NewInternalError(errors.New("etcd down"))},
			{err: errors.New("connection refused")},
			{err: apierrors.NewResourceExpired("expired")},
			listOf("5", newWidget("a", "1")),
		},
	}
	r, _, cancel, done := startReflector(t, lw)

	require.Eventually(t, r.HasSynced, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	lists, _ := lw.calls()
	assert.Len(t, lists, 4)
	assert.Equal(t, 1, r.Store().Len())
}

func TestReflectorClearsLastErrorAfterList(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{
			{err: errors.New("connection refused")},
			listOf("5", newWidget("a", "1")),
		},
	}
	r, _, cancel, done := startReflector(t, lw)

	require.Eventually(t, r.HasSynced, 5*time.Second, time.Millisecond)
	assert.NoError(t, r.LastError())
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestReflectorStopsDespiteStuckObserver(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{listOf("5", newWidget("a", "1"))},
	}
	r, err := NewReflector("widgets", lw,
		WithBackoff(fastBackoff()),
		WithDispatchOptions(cache.DispatcherOptions{Timeout: 50 * time.Millisecond}))
	require.NoError(t, err)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	r.Subscribe(cache.ObserverFunc(func(cache.Delta) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: r.Run(ctx)} }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("observer was never called")
	}
	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, StateTerminated, r.State())
}

func TestReflectorCancelDuringBackoff(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{{err: errors.New("connection refused")}},
	}
	r, err := NewReflector("widgets", lw, WithBackoff(BackoffConfig{Base: time.Hour, Ceiling: time.Hour}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: r.Run(ctx)} }()

	require.Eventually(t, func() bool { return r.State() == StateRecovering }, 5*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, StateTerminated, r.State())
}

func TestReflectorResyncRelists(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{
			listOf("10", newWidget("a", "1")),
			listOf("11", newWidget("a", "2")),
		},
	}
	r, c, cancel, done := startReflector(t, lw, WithResyncPeriod(20*time.Millisecond))

	require.Eventually(t, func() bool {
		lists, _ := lw.calls()
		return len(lists) >= 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, watch.Added, got[0].Type)
	assert.Equal(t, watch.Modified, got[1].Type)
	assert.True(t, got[1].FromList)
	assert.Equal(t, "11", r.Store().LastSyncResourceVersion())
}

func TestReflectorRunOnce(t *testing.T) {
	lw := &scriptedListerWatcher{lists: []listResult{listOf("1")}}
	r, _, cancel, done := startReflector(t, lw)

	require.Eventually(t, r.HasSynced, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyStarted)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestNewReflectorValidatesOptions(t *testing.T) {
	_, err := NewReflector("widgets", nil)
	assert.Error(t, err)

	_, err = NewReflector("widgets", &scriptedListerWatcher{},
		WithBackoff(BackoffConfig{}),
		WithDispatchOptions(cache.DispatcherOptions{Policy: "Whatever"}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff base")
	assert.Contains(t, err.Error(), "Whatever")
}
