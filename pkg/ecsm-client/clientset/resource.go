package clientset

import (
	"context"
	"fmt"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

type ResourceGetter interface {
	Resource(kind string) NamespaceableResourceInterface
}

// ResourceInterface 提供了操作某一个 kind 对象的全部方法，对象按 scheme 解码，
// 未注册的 kind 以 metav1.RawObject 返回。
type ResourceInterface interface {
	Create(ctx context.Context, obj metav1.Object) (metav1.Object, error)
	Update(ctx context.Context, obj metav1.Object) (metav1.Object, error)
	Get(ctx context.Context, name string) (metav1.Object, error)
	// List 返回对象以及它们所在的集合版本，可以直接用作 Watch 的起点。
	List(ctx context.Context, opts watch.ListOptions) (*watch.List, error)
	// Delete 返回被删除对象的最后状态。
	Delete(ctx context.Context, name string) (metav1.Object, error)
	Watch(ctx context.Context, opts watch.ListOptions) (watch.Interface, error)
}

type NamespaceableResourceInterface interface {
	Namespace(namespace string) ResourceInterface
	ResourceInterface
}

type resourceClient struct {
	client    *rest.RESTClient
	kind      string
	namespace string
}

var _ NamespaceableResourceInterface = &resourceClient{}

func newResource(c *rest.RESTClient, kind string) *resourceClient {
	return &resourceClient{client: c, kind: kind}
}

func (c *resourceClient) Namespace(namespace string) ResourceInterface {
	return &resourceClient{client: c.client, kind: c.kind, namespace: namespace}
}

func (c *resourceClient) Create(ctx context.Context, obj metav1.Object) (metav1.Object, error) {
	result := c.client.Post().
		Resource(c.kind).
		Namespace(c.namespace).
		Body(obj).
		Do(ctx)
	return c.decode(result)
}

func (c *resourceClient) Update(ctx context.Context, obj metav1.Object) (metav1.Object, error) {
	name := obj.GetObjectMeta().Name
	if name == "" {
		return nil, fmt.Errorf("object name must be set for update")
	}
	result := c.client.Put().
		Resource(c.kind).
		Namespace(c.namespace).
		Name(name).
		Body(obj).
		Do(ctx)
	return c.decode(result)
}

func (c *resourceClient) Get(ctx context.Context, name string) (metav1.Object, error) {
	result := c.client.Get().
		Resource(c.kind).
		Namespace(c.namespace).
		Name(name).
		Do(ctx)
	return c.decode(result)
}

func (c *resourceClient) Delete(ctx context.Context, name string) (metav1.Object, error) {
	result := c.client.Delete().
		Resource(c.kind).
		Namespace(c.namespace).
		Name(name).
		Do(ctx)
	return c.decode(result)
}

func (c *resourceClient) List(ctx context.Context, opts watch.ListOptions) (*watch.List, error) {
	// list 不接受起始版本，总是返回最新的一致快照
	opts.ResourceVersion = ""
	opts.TimeoutSeconds = 0
	opts.AllowBookmarks = false

	var out metav1.ObjectList
	err := c.client.Get().
		Resource(c.kind).
		Namespace(c.namespace).
		ListOptions(opts).
		Do(ctx).
		Into(&out)
	if err != nil {
		return nil, err
	}
	items, err := c.client.Codec().DecodeList(out.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", c.kind, err)
	}
	return &watch.List{Items: items, ResourceVersion: out.ResourceVersion}, nil
}

func (c *resourceClient) Watch(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
	return c.client.Get().
		Resource(c.kind).
		Namespace(c.namespace).
		ListOptions(opts).
		Watch(ctx)
}

func (c *resourceClient) decode(result *rest.Result) (metav1.Object, error) {
	data, err := result.Data()
	if err != nil {
		return nil, err
	}
	obj, err := c.client.Codec().Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.kind, err)
	}
	return obj, nil
}

// NewListWatch 返回从 API server list/watch 一个 kind 的 ListerWatcher，供 reflector 使用。
// namespace 为空表示所有 namespace。
func NewListWatch(c ResourceGetter, kind, namespace string) watch.ListerWatcher {
	resource := c.Resource(kind).Namespace(namespace)
	return watch.Funcs{
		ListFunc: func(ctx context.Context, opts watch.ListOptions) (*watch.List, error) {
			return resource.List(ctx, opts)
		},
		WatchFunc: func(ctx context.Context, opts watch.ListOptions) (watch.Interface, error) {
			return resource.Watch(ctx, opts)
		},
	}
}
