package clientset

import (
	"context"
	"fmt"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

type NodeGetter interface {
	Nodes() NodeInterface
}

// NodeInterface 操作 ECSMNode。节点没有 namespace，增删改走通用的 Resource 客户端。
type NodeInterface interface {
	Get(ctx context.Context, name string) (*ecsmv1.ECSMNode, error)
	// List 返回节点及其所在的集合版本。
	List(ctx context.Context, opts watch.ListOptions) ([]ecsmv1.ECSMNode, string, error)
}

type nodeClient struct {
	resource ResourceInterface
}

func newNodes(restClient *rest.RESTClient) *nodeClient {
	return &nodeClient{resource: newResource(restClient, ecsmv1.NodeKind)}
}

func (c *nodeClient) Get(ctx context.Context, name string) (*ecsmv1.ECSMNode, error) {
	obj, err := c.resource.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return asNode(obj)
}

func (c *nodeClient) List(ctx context.Context, opts watch.ListOptions) ([]ecsmv1.ECSMNode, string, error) {
	list, err := c.resource.List(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	nodes := make([]ecsmv1.ECSMNode, 0, len(list.Items))
	for _, obj := range list.Items {
		node, err := asNode(obj)
		if err != nil {
			return nil, "", err
		}
		nodes = append(nodes, *node)
	}
	return nodes, list.ResourceVersion, nil
}

func asNode(obj metav1.Object) (*ecsmv1.ECSMNode, error) {
	node, ok := obj.(*ecsmv1.ECSMNode)
	if !ok {
		return nil, fmt.Errorf("expected %s, got %T", ecsmv1.NodeKind, obj)
	}
	return node, nil
}
