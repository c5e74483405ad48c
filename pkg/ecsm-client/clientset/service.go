package clientset

import (
	"context"
	"encoding/json"
	"fmt"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

type ServiceGetter interface {
	Services(namespace string) ServiceInterface
}

// ServiceInterface 提供了所有操作 ECSMService 资源的方法。
type ServiceInterface interface {
	Create(ctx context.Context, service *ecsmv1.ECSMService) (*ecsmv1.ECSMService, error)
	Get(ctx context.Context, name string) (*ecsmv1.ECSMService, error)
	List(ctx context.Context, opts watch.ListOptions) (*ecsmv1.ECSMServiceList, error)
	// Update 修改一个已存在的服务。service 带有 resourceVersion 时，版本不一致会返回 Conflict。
	Update(ctx context.Context, service *ecsmv1.ECSMService) (*ecsmv1.ECSMService, error)
	Delete(ctx context.Context, name string) error
	Watch(ctx context.Context, opts watch.ListOptions) (watch.Interface, error)
}

type serviceClient struct {
	restClient *rest.RESTClient
	namespace  string
}

func newServices(restClient *rest.RESTClient, namespace string) *serviceClient {
	return &serviceClient{restClient: restClient, namespace: namespace}
}

// Create 实现了 ServiceInterface 的 Create 方法
func (c *serviceClient) Create(ctx context.Context, service *ecsmv1.ECSMService) (*ecsmv1.ECSMService, error) {
	result := &ecsmv1.ECSMService{}
	err := c.restClient.Post().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		Body(withServiceKind(service)).
		Do(ctx).
		Into(result)
	return result, err
}

func (c *serviceClient) Update(ctx context.Context, service *ecsmv1.ECSMService) (*ecsmv1.ECSMService, error) {
	result := &ecsmv1.ECSMService{}
	err := c.restClient.Put().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		Name(service.Name).
		Body(withServiceKind(service)).
		Do(ctx).
		Into(result)
	return result, err
}

func (c *serviceClient) Delete(ctx context.Context, name string) error {
	return c.restClient.Delete().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		Name(name).
		Do(ctx).
		Error()
}

func (c *serviceClient) Get(ctx context.Context, name string) (*ecsmv1.ECSMService, error) {
	result := &ecsmv1.ECSMService{}
	err := c.restClient.Get().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		Name(name).
		Do(ctx).
		Into(result)
	return result, err
}

// List 实现了 ServiceInterface 的 List 方法。
func (c *serviceClient) List(ctx context.Context, opts watch.ListOptions) (*ecsmv1.ECSMServiceList, error) {
	opts.ResourceVersion = ""

	var raw metav1.ObjectList
	err := c.restClient.Get().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		ListOptions(opts).
		Do(ctx).
		Into(&raw)
	if err != nil {
		return nil, err
	}

	result := &ecsmv1.ECSMServiceList{
		TypeMeta: metav1.TypeMeta{APIVersion: ecsmv1.SchemeGroupVersion.String(), Kind: ecsmv1.ServiceKind + "List"},
		ListMeta: raw.ListMeta,
		Items:    make([]ecsmv1.ECSMService, len(raw.Items)),
	}
	for i, item := range raw.Items {
		if err := json.Unmarshal(item, &result.Items[i]); err != nil {
			return nil, fmt.Errorf("failed to decode service %d: %w", i, err)
		}
	}
	return result, nil
}

func (c *serviceClient) Watch(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
	return c.restClient.Get().
		Resource(ecsmv1.ServiceKind).
		Namespace(c.namespace).
		ListOptions(opts).
		Watch(ctx)
}

// withServiceKind 补齐调用方可能省略的 TypeMeta。
func withServiceKind(service *ecsmv1.ECSMService) *ecsmv1.ECSMService {
	if service.Kind != "" {
		return service
	}
	out := service.DeepCopy()
	out.Kind = ecsmv1.ServiceKind
	out.APIVersion = ecsmv1.SchemeGroupVersion.String()
	return out
}
