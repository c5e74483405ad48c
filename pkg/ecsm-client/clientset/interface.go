package clientset

import "github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"

type Interface interface {
	RESTClient() rest.Interface
	ResourceGetter
	ServiceGetter
	NodeGetter
}

var _ Interface = &Clientset{}

type Clientset struct {
	restClient *rest.RESTClient
}

// NewClientset 创建一个新的 Clientset 实例，用于与 mirror API 交互
func NewClientset(cfg rest.Config) (*Clientset, error) {
	restClient, err := rest.NewRESTClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewForRESTClient(restClient), nil
}

func NewForRESTClient(c *rest.RESTClient) *Clientset {
	return &Clientset{restClient: c}
}

// RESTClient 返回底层的 REST 客户端
func (c *Clientset) RESTClient() rest.Interface {
	return c.restClient
}

// Resource 返回任意 kind 的通用客户端
func (c *Clientset) Resource(kind string) NamespaceableResourceInterface {
	return newResource(c.restClient, kind)
}

// Services 返回 ServiceInterface，用于操作 namespace 下的 ECSMService 资源
func (c *Clientset) Services(namespace string) ServiceInterface {
	return newServices(c.restClient, namespace)
}

// Nodes 返回 NodeInterface，ECSMNode 是集群级别的资源
func (c *Clientset) Nodes() NodeInterface {
	return newNodes(c.restClient)
}
