// Package watch 定义了 list/watch 数据源与 reflector 之间的契约：
// 变更事件、watch 流、ListerWatcher 能力以及传输错误的分类。
package watch

import (
	"context"
	"fmt"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
)

// EventType 定义了事件的类型
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	// Bookmark 只推进 resourceVersion，不代表任何数据变化。
	Bookmark EventType = "BOOKMARK"
	// Error 终止当前的 watch 流。
	Error EventType = "ERROR"
)

// Event 是 watch 流中的一个变更事件。
type Event struct {
	Type EventType
	// Object 对 Added/Modified 是新对象，对 Deleted 是最后已知的对象。
	// Bookmark 和 Error 事件为 nil。
	Object metav1.Object
	// ResourceVersion 是该事件在集合变更历史中的位置。
	// 为空时使用 Object 自身的 resourceVersion。
	ResourceVersion string
	// Err 只在 Error 事件中设置。
	Err error
}

// Marker 返回该事件推进到的集合版本。
func (e Event) Marker() string {
	if e.ResourceVersion != "" {
		return e.ResourceVersion
	}
	if e.Object != nil {
		return metav1.RevisionOf(e.Object)
	}
	return ""
}

func (e Event) String() string {
	switch {
	case e.Type == Error:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	case e.Object == nil:
		return fmt.Sprintf("%s@%s", e.Type, e.Marker())
	default:
		return fmt.Sprintf("%s %s@%s", e.Type, metav1.IdentityOf(e.Object), e.Marker())
	}
}

// Interface 是一个正在进行中的 watch。它不可重启：要恢复必须重新调用 Watch。
type Interface interface {
	// Stop 停止 watch 并释放连接，可以重复调用。
	Stop()
	// ResultChan 返回事件 channel。对端关闭流或 Stop 之后 channel 会被关闭。
	ResultChan() <-chan Event
}

// ListOptions 是 list 和 watch 调用的参数。
type ListOptions struct {
	// LabelSelector 例如 "app=web,tier=frontend"
	LabelSelector string
	// FieldSelector 支持 metadata.name 和 metadata.namespace
	FieldSelector string
	// ResourceVersion 是 watch 的恢复点。list 时忽略。
	ResourceVersion string
	// TimeoutSeconds 限制单次 watch 的时长，0 表示由服务端决定。
	TimeoutSeconds int64
	// AllowBookmarks 允许服务端发送 Bookmark 事件。
	AllowBookmarks bool
}

// List 是一次全量 list 的结果。
type List struct {
	Items           []metav1.Object
	ResourceVersion string
}

// ListerWatcher 是 reflector 从外部 REST/传输层消费的能力。
type ListerWatcher interface {
	List(ctx context.Context, opts ListOptions) (*List, error)
	Watch(ctx context.Context, opts ListOptions) (Interface, error)
}

// ListFunc 和 WatchFunc 允许用两个函数拼出一个 ListerWatcher。
type ListFunc func(ctx context.Context, opts ListOptions) (*List, error)
type WatchFunc func(ctx context.Context, opts ListOptions) (Interface, error)

// Funcs 实现了 ListerWatcher。
type Funcs struct {
	ListFunc  ListFunc
	WatchFunc WatchFunc
}

var _ ListerWatcher = Funcs{}

func (f Funcs) List(ctx context.Context, opts ListOptions) (*List, error) {
	return f.ListFunc(ctx, opts)
}

func (f Funcs) Watch(ctx context.Context, opts ListOptions) (Interface, error) {
	return f.WatchFunc(ctx, opts)
}
