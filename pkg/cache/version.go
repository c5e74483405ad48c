package cache

import (
	"errors"
	"sync"
)

// ErrInvalidResourceVersion 表示一个无法使用的 resourceVersion（目前只有空字符串）。
var ErrInvalidResourceVersion = errors.New("invalid resource version")

// ResourceVersionTracker 保存一个集合最近观察到的 resourceVersion，用于恢复 watch。
// 版本号是不透明的：只比较相同与不同，顺序完全信任数据源。
type ResourceVersionTracker struct {
	mu      sync.RWMutex
	current string
}

func NewResourceVersionTracker() *ResourceVersionTracker {
	return &ResourceVersionTracker{}
}

// Observe 把当前版本设置为 marker。
func (t *ResourceVersionTracker) Observe(marker string) error {
	if marker == "" {
		return ErrInvalidResourceVersion
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = marker
	return nil
}

// Current 返回当前版本，从未观察过时为空。
func (t *ResourceVersionTracker) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Reset 丢弃当前版本。只在全量 list 之前调用。
func (t *ResourceVersionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = ""
}
