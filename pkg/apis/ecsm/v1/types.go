package v1

import metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ECSMService 代表一个ECSM服务实例，是ECSM平台上一个无状态应用的核心抽象
type ECSMService struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ECSMServiceSpec   `json:"spec,omitempty"`
	Status ECSMServiceStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ECSMServiceList 包含 ECSMService 的列表
type ECSMServiceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ECSMService `json:"items"`
}

// ECSMServiceSpec 定义了ECSM服务的期望状态
type ECSMServiceSpec struct {
	// +required
	DeploymentStrategy DeploymentStrategy `json:"deploymentStrategy"`

	// Template 是创建新容器实例的模版
	// +required
	Template ContainerTemplateSpec `json:"template"`
}

// ECSMServiceStatus 定义了 ECSMService 的状态
type ECSMServiceStatus struct {
	// Replicas 是在 ECSM 平台上实际找到的、属于此服务的容器实例总数。
	Replicas int32 `json:"replicas"`

	// ReadyReplicas 是当前处于在线且运行中的容器实例数量。
	ReadyReplicas int32 `json:"readyReplicas"`

	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

type DeploymentStrategyType string

const (
	DeploymentStrategyTypeStatic  DeploymentStrategyType = "Static"
	DeploymentStrategyTypeDynamic DeploymentStrategyType = "Dynamic"
)

// DeploymentStrategy 定义了服务的部署策略，即节点选择策略
type DeploymentStrategy struct {
	// Static：在 `nodes` 字段中指定的每个节点上都部署一个实例。
	// Dynamic：在 `nodePool` 提供的节点池中，部署 `replicas` 个实例。
	// +required
	Type DeploymentStrategyType `json:"type"`

	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// +optional
	Nodes []string `json:"nodes,omitempty"`

	// +optional
	NodePool []string `json:"nodePool,omitempty"`
}

// ContainerTemplateSpec 定义了容器模版
type ContainerTemplateSpec struct {
	// Image 是要运行的容器镜像引用，格式为 "name@tag"。
	// +required
	Image string `json:"image"`

	// +optional
	Command []string `json:"command,omitempty"`

	// +optional
	Env []EnvVar `json:"env,omitempty"`
}

// EnvVar 代表一个环境变量
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ECSMNode 是一个集群级别的资源，代表 ECSM 平台中注册的一个节点。
type ECSMNode struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ECSMNodeSpec   `json:"spec,omitempty"`
	Status ECSMNodeStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

type ECSMNodeList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ECSMNode `json:"items"`
}

type ECSMNodeSpec struct {
	// Address 是节点的访问地址
	Address string `json:"address"`
	// Arch 是节点的 CPU 架构
	// +optional
	Arch string `json:"arch,omitempty"`
}

type ECSMNodeStatus struct {
	// Phase 为 "online" 或 "offline"
	Phase string `json:"phase,omitempty"`
	// +optional
	ContainersRunning int32 `json:"containersRunning,omitempty"`
}
