package v1

import (
	"encoding/json"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ObjectList 是 list 接口返回的 data 部分。
// Items 保持原始 JSON，由调用方按 kind 解码。
type ObjectList struct {
	ListMeta `json:"metadata"`
	Items    []json.RawMessage `json:"items"`
}

// WatchEvent 是 watch 流中的一行。
type WatchEvent struct {
	Type            string          `json:"type"`
	Object          json.RawMessage `json:"object,omitempty"`
	ResourceVersion string          `json:"resourceVersion,omitempty"`
	// Status 只在 ERROR 事件中出现
	Status *metav1.Status `json:"status,omitempty"`
}
