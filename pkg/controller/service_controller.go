// file: pkg/controller/service_controller.go

package controller

import (
	"context"
	"fmt"
	"reflect"

	"k8s.io/apimachinery/pkg/api/errors"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/informer"
	"github.com/fx147/ecsm-mirror/pkg/registry"
)

const nodePhaseOnline = "online"

// ServiceStatusUpdater 负责根据节点的状态计算每个 ECSMService 的 Status，
// 并写回 registry。期望的状态来自 service informer 的缓存，节点来自 node informer。
type ServiceStatusUpdater struct {
	// registry 用于更新我们自己存储中的对象状态
	registry registry.Interface
	nodes    cache.Reader
}

// NewServiceStatusController 组装一个处理 ECSMService 的控制器。
// 节点的任何变化都会让所有服务重新计算状态。
func NewServiceStatusController(reg registry.Interface, services, nodes informer.Informer) *Controller {
	u := &ServiceStatusUpdater{registry: reg, nodes: nodes.GetStore()}
	c := New("ecsmservice-status", services, u.Sync)
	c.WaitFor(nodes.HasSynced)

	requeue := func(interface{}) { c.EnqueueAll() }
	nodes.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc:    requeue,
		UpdateFunc: func(_, obj interface{}) { requeue(obj) },
		DeleteFunc: requeue,
	})
	return c
}

// Sync 是 ServiceStatusUpdater 的 SyncHandler。
func (u *ServiceStatusUpdater) Sync(ctx context.Context, id metav1.Identity, obj metav1.Object) error {
	if obj == nil {
		// 对象已被删除，无需处理。
		klog.V(2).Infof("ECSMService %s in work queue no longer exists", id)
		return nil
	}
	svc, ok := obj.(*ecsmv1.ECSMService)
	if !ok {
		return fmt.Errorf("expected %s, got %T", ecsmv1.ServiceKind, obj)
	}

	newStatus := u.calculateStatus(svc)

	// 只有当 status 真的变了，才去写 Registry
	if reflect.DeepEqual(svc.Status, newStatus) {
		return nil
	}
	klog.Infof("Updating status for service %s: %d/%d ready", id, newStatus.ReadyReplicas, newStatus.Replicas)
	serviceToUpdate := svc.DeepCopy()
	serviceToUpdate.Status = newStatus
	// 带着缓存中的 resourceVersion 更新：缓存落后时得到 Conflict，等新事件到达后重试
	_, err := u.registry.Update(ctx, serviceToUpdate)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// calculateStatus 是一个辅助函数，用于将节点的现状聚合成 Status 结构
func (u *ServiceStatusUpdater) calculateStatus(svc *ecsmv1.ECSMService) ecsmv1.ECSMServiceStatus {
	strategy := svc.Spec.DeploymentStrategy

	var replicas, ready int32
	switch strategy.Type {
	case ecsmv1.DeploymentStrategyTypeDynamic:
		replicas = 1
		if strategy.Replicas != nil {
			replicas = *strategy.Replicas
		}
		ready = min(replicas, u.onlineNodes(strategy.NodePool))
	default:
		// Static：每个指定的节点上一个实例
		replicas = int32(len(strategy.Nodes))
		ready = u.onlineNodes(strategy.Nodes)
	}

	status := ecsmv1.ECSMServiceStatus{
		Replicas:      replicas,
		ReadyReplicas: ready,
	}
	if len(svc.Status.Conditions) > 0 {
		status.Conditions = svc.Status.Conditions
	}
	return status
}

func (u *ServiceStatusUpdater) onlineNodes(names []string) int32 {
	var n int32
	for _, name := range names {
		obj, ok := u.nodes.Get(metav1.Identity{Kind: ecsmv1.NodeKind, Name: name})
		if !ok {
			continue
		}
		if node, ok := obj.(*ecsmv1.ECSMNode); ok && node.Status.Phase == nodePhaseOnline {
			n++
		}
	}
	return n
}
