// Package codec 负责对象在线路和 registry 中的 JSON 编解码。
// 已在 scheme 中注册的 kind 被解码成强类型对象，其余的都落到 metav1.RawObject 信封里。
package codec

import (
	"encoding/json"
	"fmt"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

// Scheme 注册了所有已知的强类型 kind。
var Scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(ecsmv1.AddToScheme(Scheme))
}

// Codec 按照 scheme 把 JSON 解码成 metav1.Object。
type Codec struct {
	scheme *runtime.Scheme
}

// New 创建一个新的 Codec。scheme 为 nil 时使用包级别的 Scheme。
func New(scheme *runtime.Scheme) *Codec {
	if scheme == nil {
		scheme = Scheme
	}
	return &Codec{scheme: scheme}
}

// Default 使用包级别 Scheme 的 Codec。
var Default = New(nil)

// Decode 解码单个对象。
func (c *Codec) Decode(data []byte) (metav1.Object, error) {
	var tm metav1.TypeMeta
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("failed to decode type meta: %w", err)
	}
	if tm.Kind == "" {
		return nil, fmt.Errorf("object has no kind: %q", truncate(data))
	}

	var obj metav1.Object = &metav1.RawObject{}
	if gvk := tm.GroupVersionKind(); c.scheme.Recognizes(gvk) {
		typed, err := c.scheme.New(gvk)
		if err != nil {
			return nil, err
		}
		o, ok := typed.(metav1.Object)
		if !ok {
			return nil, fmt.Errorf("registered type %T for %s does not carry object metadata", typed, gvk)
		}
		obj = o
	}

	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", tm.Kind, err)
	}
	return obj, nil
}

// Encode 把对象编码成 JSON。
func (c *Codec) Encode(obj metav1.Object) ([]byte, error) {
	return json.Marshal(obj)
}

// DecodeList 解码一组原始对象。
func (c *Codec) DecodeList(items []json.RawMessage) ([]metav1.Object, error) {
	out := make([]metav1.Object, 0, len(items))
	for i, item := range items {
		obj, err := c.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

func truncate(data []byte) string {
	const max = 64
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
