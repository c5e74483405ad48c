// file: pkg/registry/event.go

package registry

import (
	"encoding/json"
	"strconv"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// Event 是一个描述 API 对象变更的事件。
type Event struct {
	Type watch.EventType
	// Key 是对象的唯一标识
	Key metav1.Identity
	// Object 是事件关联的对象，Deleted 时是删除前的最后状态
	Object metav1.Object
	// ResourceVersion 是这次变更分配到的全局版本
	ResourceVersion uint64
}

func (e Event) toWatchEvent() watch.Event {
	return watch.Event{
		Type:            e.Type,
		Object:          e.Object,
		ResourceVersion: strconv.FormatUint(e.ResourceVersion, 10),
	}
}

// record 是事件在 events bucket 中的持久化形式，key 为大端编码的版本号。
type record struct {
	Type   watch.EventType `json:"type"`
	Object json.RawMessage `json:"object"`
}
