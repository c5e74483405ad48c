package v1

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
)

// Object 是 mirror 能够缓存的所有对象的公共接口。
// 身份和版本都通过 GetObjectMeta 直接读取，不依赖反射。
type Object interface {
	runtime.Object
	GetObjectMeta() *ObjectMeta
}

// Identity 在一个 Store 内唯一地标识一个对象。
// 集群级别的资源 Namespace 为空。
type Identity struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (id Identity) String() string {
	if id.Namespace == "" {
		return fmt.Sprintf("%s/%s", id.Kind, id.Name)
	}
	return fmt.Sprintf("%s/%s/%s", id.Kind, id.Namespace, id.Name)
}

// IdentityOf 返回对象的身份。
func IdentityOf(obj Object) Identity {
	meta := obj.GetObjectMeta()
	return Identity{
		Kind:      obj.GetObjectKind().GroupVersionKind().Kind,
		Namespace: meta.Namespace,
		Name:      meta.Name,
	}
}

// RevisionOf 返回对象自身的版本号。
func RevisionOf(obj Object) string {
	return obj.GetObjectMeta().ResourceVersion
}

// RawObject 是任意 kind 的通用信封：固定的元数据加上不透明的 spec/status。
// 没有在 scheme 中注册强类型的 kind 都以这种形式流转。
type RawObject struct {
	TypeMeta   `json:",inline"`
	ObjectMeta `json:"metadata,omitempty"`

	Spec   json.RawMessage `json:"spec,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

var _ Object = &RawObject{}
