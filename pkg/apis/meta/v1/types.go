package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// 描述了资源的类型
type TypeMeta struct {
	// 此对象所表示的REST资源
	// +required
	Kind string `json:"kind,omitempty"`

	// 定义了此对象表示的版本，例如"ecsm.sh/v1"
	// +required
	APIVersion string `json:"apiVersion,omitempty"`
}

// 描述一个资源实例所需要的元数据
type ObjectMeta struct {
	// 资源实例的名称
	// +required
	Name string `json:"name"`

	// 资源所属的命名空间，集群级别的资源为空
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// 资源实例的唯一标识符，由 registry 在创建时生成
	// +readonly
	UID string `json:"uid,omitempty"`

	// +optional
	Labels map[string]string `json:"labels,omitempty"`

	// +optional
	Annotations map[string]string `json:"annotations,omitempty"`

	// ResourceVersion 是对象自身的版本号。
	// 对 mirror 来说它是不透明的，只用于判断对象是否发生了变化，不能跨对象比较大小。
	// +readonly
	ResourceVersion string `json:"resourceVersion,omitempty"`

	// +readonly
	CreationTimestamp metav1.Time `json:"creationTimestamp,omitempty"`
	// 删除时间，如果不为nil，表示对象正在被删除
	// +readonly
	DeletionTimestamp *metav1.Time `json:"deletionTimestamp,omitempty"`
}

// GetObjectMeta 让所有内嵌 ObjectMeta 的类型自动满足 Object 接口的元数据部分。
func (m *ObjectMeta) GetObjectMeta() *ObjectMeta {
	return m
}

// ListMeta 包含了列表（集合）资源所需的元数据。
type ListMeta struct {
	// ResourceVersion 表示此列表所对应的集合版本，客户端用它来发起 watch。
	// +optional
	ResourceVersion string `json:"resourceVersion,omitempty"`

	// Continue 是一个不透明的分页令牌，目前 registry 不分页，始终为空。
	// +optional
	Continue string `json:"continue,omitempty"`
}

// ConditionStatus 是 Condition的状态
type ConditionStatus string

const (
	ConditionStatusTrue    ConditionStatus = "True"
	ConditionStatusFalse   ConditionStatus = "False"
	ConditionStatusUnknown ConditionStatus = "Unknown"
)

type Condition struct {
	// Type 是condition的类型，例如Ready
	// +required
	Type string `json:"type,omitempty"`
	// +required
	Status ConditionStatus `json:"status,omitempty"`
	// +optional
	LastTransitionTime metav1.Time `json:"lastTransitionTime,omitempty"`
	// +optional
	Reason string `json:"reason,omitempty"`
	// +optional
	Message string `json:"message,omitempty"`
}

// GetObjectKind 返回一个指向该对象类型信息的指针。
// 因为 *TypeMeta 实现了 schema.ObjectKind 接口，所以可以直接返回自身。
func (t *TypeMeta) GetObjectKind() schema.ObjectKind {
	return t
}

// SetGroupVersionKind 为对象设置 GroupVersionKind 信息。
func (t *TypeMeta) SetGroupVersionKind(gvk schema.GroupVersionKind) {
	t.APIVersion, t.Kind = gvk.ToAPIVersionAndKind()
}

// GroupVersionKind 返回对象的 GroupVersionKind。
// 如果 APIVersion 或 Kind 为空，它可能返回不完整的 GVK。
func (t *TypeMeta) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(t.APIVersion, t.Kind)
}
