package registry

import (
	"context"
	"fmt"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

// GetService 是一个类型安全的方法，可以用于获取 ECSMService 对象。
func (r *Registry) GetService(ctx context.Context, namespace, name string) (*ecsmv1.ECSMService, error) {
	obj, err := r.Get(ctx, ecsmv1.ServiceKind, namespace, name)
	if err != nil {
		return nil, err
	}
	return asService(obj)
}

// ListServices 列出指定命名空间中的所有 ECSMService 对象。namespace 为空时列出全部。
func (r *Registry) ListServices(ctx context.Context, namespace string) (*ecsmv1.ECSMServiceList, error) {
	list, err := r.List(ctx, ecsmv1.ServiceKind, namespace, watch.ListOptions{})
	if err != nil {
		return nil, err
	}
	services := &ecsmv1.ECSMServiceList{
		TypeMeta: metav1.TypeMeta{APIVersion: ecsmv1.SchemeGroupVersion.String(), Kind: ecsmv1.ServiceKind + "List"},
		ListMeta: metav1.ListMeta{ResourceVersion: list.ResourceVersion},
		Items:    make([]ecsmv1.ECSMService, 0, len(list.Items)),
	}
	for _, obj := range list.Items {
		svc, err := asService(obj)
		if err != nil {
			return nil, err
		}
		services.Items = append(services.Items, *svc)
	}
	return services, nil
}

func asService(obj metav1.Object) (*ecsmv1.ECSMService, error) {
	svc, ok := obj.(*ecsmv1.ECSMService)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %T", ecsmv1.ServiceKind, obj)
	}
	return svc, nil
}
