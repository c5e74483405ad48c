// Package cache 提供 reflector 维护的本地镜像：并发可读的 Store、
// 集合版本跟踪器以及向观察者分发变更的 Dispatcher。
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// ErrUnsupportedEvent 表示 Apply 收到了不会修改 Store 的事件类型。
var ErrUnsupportedEvent = errors.New("event does not mutate the store")

// Delta 是一次已经生效的 Store 变更，也是分发给观察者的通知。
type Delta struct {
	// Type 为 Added、Modified 或 Deleted。
	Type watch.EventType
	// Object 对 Deleted 是最后已知的对象。
	Object metav1.Object
	// OldObject 是变更前 Store 中的对象，Added 时为 nil。
	OldObject metav1.Object
	// FromList 表示这是一次 re-list 计算出来的合成变更。
	FromList bool
	// ResourceVersion 是产生这次变更的集合版本。
	ResourceVersion string
}

func (d Delta) Identity() metav1.Identity {
	return metav1.IdentityOf(d.Object)
}

func (d Delta) String() string {
	return fmt.Sprintf("%s %s@%s", d.Type, d.Identity(), metav1.RevisionOf(d.Object))
}

// Reader 是 Store 暴露给消费者的只读视图。返回的对象都是副本。
type Reader interface {
	Get(id metav1.Identity) (metav1.Object, bool)
	List() []metav1.Object
	ByNamespace(kind, namespace string) []metav1.Object
	Keys() []metav1.Identity
	Len() int
	LastSyncResourceVersion() string
}

// Store 是以 Identity 为键的对象镜像。
// 写入和读取时都复制对象，存入后不再原地修改，读者不会看到写了一半的对象。
type Store struct {
	lock  sync.RWMutex
	items map[metav1.Identity]metav1.Object

	lastSyncResourceVersion string
}

var _ Reader = &Store{}

func NewStore() *Store {
	return &Store{
		items: make(map[metav1.Identity]metav1.Object),
	}
}

func (s *Store) Get(id metav1.Identity) (metav1.Object, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	obj, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return copyObject(obj), true
}

// List 返回某一时刻的快照，按 Identity 排序。
func (s *Store) List() []metav1.Object {
	s.lock.RLock()
	out := make([]metav1.Object, 0, len(s.items))
	for _, obj := range s.items {
		out = append(out, copyObject(obj))
	}
	s.lock.RUnlock()

	sortObjects(out)
	return out
}

// ByNamespace 返回某个 kind 在 namespace 下的对象，kind 为空时匹配所有 kind。
func (s *Store) ByNamespace(kind, namespace string) []metav1.Object {
	s.lock.RLock()
	out := make([]metav1.Object, 0)
	for id, obj := range s.items {
		if id.Namespace == namespace && (kind == "" || id.Kind == kind) {
			out = append(out, copyObject(obj))
		}
	}
	s.lock.RUnlock()

	sortObjects(out)
	return out
}

func (s *Store) Keys() []metav1.Identity {
	s.lock.RLock()
	keys := make([]metav1.Identity, 0, len(s.items))
	for id := range s.items {
		keys = append(keys, id)
	}
	s.lock.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.items)
}

// LastSyncResourceVersion 返回最近一次 Replace 的集合版本。
func (s *Store) LastSyncResourceVersion() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.lastSyncResourceVersion
}

// Replace 用一份新的权威快照原子地替换 Store 的全部内容。
// 返回的 Delta 描述了旧内容到新内容的差异：新出现的对象为 Added，
// 版本变化的对象为 Modified，从新列表中消失的对象为 Deleted。
// 版本未变的对象不产生 Delta。
func (s *Store) Replace(objects []metav1.Object, resourceVersion string) []Delta {
	newItems := make(map[metav1.Identity]metav1.Object, len(objects))
	order := make([]metav1.Identity, 0, len(objects))
	for _, obj := range objects {
		id := metav1.IdentityOf(obj)
		if _, dup := newItems[id]; !dup {
			order = append(order, id)
		}
		newItems[id] = copyObject(obj)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var deltas []Delta
	for _, id := range order {
		obj := newItems[id]
		old, exists := s.items[id]
		switch {
		case !exists:
			deltas = append(deltas, Delta{Type: watch.Added, Object: obj, FromList: true, ResourceVersion: resourceVersion})
		case metav1.RevisionOf(old) != metav1.RevisionOf(obj):
			deltas = append(deltas, Delta{Type: watch.Modified, Object: obj, OldObject: old, FromList: true, ResourceVersion: resourceVersion})
		default:
			newItems[id] = old
		}
	}

	var pruned []Delta
	for id, old := range s.items {
		if _, ok := newItems[id]; !ok {
			pruned = append(pruned, Delta{Type: watch.Deleted, Object: old, OldObject: old, FromList: true, ResourceVersion: resourceVersion})
		}
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].Identity().String() < pruned[j].Identity().String() })

	s.items = newItems
	s.lastSyncResourceVersion = resourceVersion
	return append(deltas, pruned...)
}

// Apply 应用一个 watch 事件。
// 返回 changed=false 表示 Store 没有变化：Added/Modified 的对象版本与已有的相同，
// 或者 Deleted 的对象已经不在 Store 中。此时调用方不应分发通知。
// Added 一个已存在的对象会被当作 Modified，Modified 一个不存在的对象会被当作 Added。
func (s *Store) Apply(ev watch.Event) (Delta, bool, error) {
	if ev.Type != watch.Added && ev.Type != watch.Modified && ev.Type != watch.Deleted {
		return Delta{}, false, fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type)
	}
	if ev.Object == nil {
		return Delta{}, false, fmt.Errorf("%s event without object", ev.Type)
	}

	id := metav1.IdentityOf(ev.Object)
	rv := ev.Marker()

	if ev.Type == watch.Deleted {
		s.lock.Lock()
		defer s.lock.Unlock()
		old, exists := s.items[id]
		if !exists {
			return Delta{}, false, nil
		}
		delete(s.items, id)
		return Delta{Type: watch.Deleted, Object: copyObject(ev.Object), OldObject: old, ResourceVersion: rv}, true, nil
	}

	obj := copyObject(ev.Object)

	s.lock.Lock()
	defer s.lock.Unlock()
	old, exists := s.items[id]
	if exists && metav1.RevisionOf(old) == metav1.RevisionOf(obj) {
		return Delta{}, false, nil
	}
	s.items[id] = obj

	if exists {
		return Delta{Type: watch.Modified, Object: obj, OldObject: old, ResourceVersion: rv}, true, nil
	}
	return Delta{Type: watch.Added, Object: obj, ResourceVersion: rv}, true, nil
}

func copyObject(obj metav1.Object) metav1.Object {
	if c, ok := obj.DeepCopyObject().(metav1.Object); ok {
		return c
	}
	return obj
}

func sortObjects(objs []metav1.Object) {
	sort.Slice(objs, func(i, j int) bool {
		return metav1.IdentityOf(objs[i]).String() < metav1.IdentityOf(objs[j]).String()
	})
}
