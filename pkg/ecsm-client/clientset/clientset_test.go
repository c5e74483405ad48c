package clientset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/apiserver"
	"github.com/fx147/ecsm-mirror/pkg/cache"
	"github.com/fx147/ecsm-mirror/pkg/ecsm-client/rest"
	"github.com/fx147/ecsm-mirror/pkg/informer"
	"github.com/fx147/ecsm-mirror/pkg/registry"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

const testToken = "s3cret"

// 创建测试用的 Clientset 实例，背后是一个真实的 apiserver 和 registry
func newTestClientset(t *testing.T) *Clientset {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), registry.Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(apiserver.NewServer(reg, apiserver.Options{Token: testToken}))
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})

	cs, err := NewClientset(rest.Config{Host: srv.URL, BearerToken: testToken, Timeout: 5 * time.Second})
	require.NoError(t, err, "创建 Clientset 失败")
	return cs
}

func newWidget(name string, size int) *metav1.RawObject {
	return &metav1.RawObject{
		TypeMeta:   metav1.TypeMeta{APIVersion: "example.com/v1", Kind: "Widget"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: map[string]string{"size": fmt.Sprint(size)}},
		Spec:       json.RawMessage(fmt.Sprintf(`{"size":%d}`, size)),
	}
}

func newService(name, image string) *ecsmv1.ECSMService {
	return &ecsmv1.ECSMService{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: ecsmv1.ECSMServiceSpec{
			DeploymentStrategy: ecsmv1.DeploymentStrategy{Type: ecsmv1.DeploymentStrategyTypeStatic},
			Template:           ecsmv1.ContainerTemplateSpec{Image: image},
		},
	}
}

// TestResourceClient_CRUD 用一个未注册的 kind 走通用客户端的全部操作
func TestResourceClient_CRUD(t *testing.T) {
	cs := newTestClientset(t)
	ctx := context.Background()
	widgets := cs.Resource("Widget").Namespace("default")

	created, err := widgets.Create(ctx, newWidget("w1", 1))
	require.NoError(t, err)
	raw, ok := created.(*metav1.RawObject)
	require.True(t, ok, "expected RawObject, got %T", created)
	assert.Equal(t, "default", raw.Namespace)
	assert.Equal(t, "1", raw.ResourceVersion)
	assert.JSONEq(t, `{"size":1}`, string(raw.Spec))

	_, err = widgets.Create(ctx, newWidget("w2", 2))
	require.NoError(t, err)

	got, err := widgets.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, raw.UID, got.GetObjectMeta().UID)

	// 使用过期的版本更新会冲突
	stale := newWidget("w1", 10)
	stale.ResourceVersion = "0"
	_, err = widgets.Update(ctx, stale)
	assert.True(t, apierrors.IsConflict(err), "expected conflict, got %v", err)

	fresh := newWidget("w1", 10)
	fresh.ResourceVersion = got.GetObjectMeta().ResourceVersion
	updated, err := widgets.Update(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, "3", updated.GetObjectMeta().ResourceVersion)

	list, err := widgets.List(ctx, watch.ListOptions{LabelSelector: "size=10"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "w1", list.Items[0].GetObjectMeta().Name)
	assert.Equal(t, "3", list.ResourceVersion)

	deleted, err := widgets.Delete(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "4", deleted.GetObjectMeta().ResourceVersion)

	_, err = widgets.Get(ctx, "w1")
	assert.True(t, apierrors.IsNotFound(err), "expected not found, got %v", err)
	assert.Equal(t, watch.Permanent, watch.Classify(err))
}

func TestResourceClient_Unauthorized(t *testing.T) {
	cs := newTestClientset(t)
	noToken, err := NewClientset(rest.Config{Host: cs.restClient.Get().URL().Host})
	require.NoError(t, err)

	_, err = noToken.Resource("Widget").List(context.Background(), watch.ListOptions{})
	assert.True(t, apierrors.IsUnauthorized(err), "expected unauthorized, got %v", err)
	assert.Equal(t, watch.Permanent, watch.Classify(err))
}

// TestServiceClient 测试强类型的 ECSMService 客户端
func TestServiceClient(t *testing.T) {
	cs := newTestClientset(t)
	ctx := context.Background()
	services := cs.Services("prod")

	created, err := services.Create(ctx, newService("web", "web@1.0"))
	require.NoError(t, err, "创建服务失败")
	assert.Equal(t, ecsmv1.ServiceKind, created.Kind)
	assert.Equal(t, "prod", created.Namespace)
	assert.NotEmpty(t, created.UID)

	_, err = services.Create(ctx, newService("api", "api@1.0"))
	require.NoError(t, err)

	list, err := services.List(ctx, watch.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "2", list.ResourceVersion)

	got, err := services.Get(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "web@1.0", got.Spec.Template.Image)

	got.Spec.Template.Image = "web@2.0"
	updated, err := services.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "web@2.0", updated.Spec.Template.Image)
	assert.Equal(t, created.UID, updated.UID)

	require.NoError(t, services.Delete(ctx, "web"))
	_, err = services.Get(ctx, "web")
	assert.True(t, apierrors.IsNotFound(err))

	// 其他 namespace 看不到 prod 下的服务
	other, err := cs.Services("dev").List(ctx, watch.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, other.Items)
}

func TestNodeClient(t *testing.T) {
	cs := newTestClientset(t)
	ctx := context.Background()

	node := &ecsmv1.ECSMNode{
		TypeMeta:   metav1.TypeMeta{APIVersion: ecsmv1.SchemeGroupVersion.String(), Kind: ecsmv1.NodeKind},
		ObjectMeta: metav1.ObjectMeta{Name: "edge-1"},
		Spec:       ecsmv1.ECSMNodeSpec{Address: "10.0.0.1", Arch: "arm64"},
		Status:     ecsmv1.ECSMNodeStatus{Phase: "online"},
	}
	_, err := cs.Resource(ecsmv1.NodeKind).Create(ctx, node)
	require.NoError(t, err)

	got, err := cs.Nodes().Get(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Spec.Address)
	assert.Equal(t, "online", got.Status.Phase)

	nodes, rv, err := cs.Nodes().List(ctx, watch.ListOptions{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "1", rv)
}

// deltaLog 记录 reflector 分发的通知
type deltaLog struct {
	mu     sync.Mutex
	deltas []string
}

func (l *deltaLog) OnEvent(d cache.Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deltas = append(l.deltas, fmt.Sprintf("%s %s list=%v", d.Type, d.Identity().Name, d.FromList))
	return nil
}

func (l *deltaLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.deltas...)
}

// TestListWatchWithReflector 通过 HTTP 驱动一个 reflector：先 list 再 watch
func TestListWatchWithReflector(t *testing.T) {
	cs := newTestClientset(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	widgets := cs.Resource("Widget").Namespace("default")

	_, err := widgets.Create(ctx, newWidget("a", 1))
	require.NoError(t, err)
	_, err = widgets.Create(ctx, newWidget("b", 2))
	require.NoError(t, err)

	r, err := informer.NewReflector("widgets", NewListWatch(cs, "Widget", "default"))
	require.NoError(t, err)
	log := &deltaLog{}
	r.Subscribe(log)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, r.HasSynced, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "2", r.LastSyncResourceVersion())

	// 等 watch 建立之后再写，保证事件走的是 watch 流
	require.Eventually(t, func() bool { return r.State() == informer.StateWatching }, 5*time.Second, 10*time.Millisecond)

	_, err = widgets.Create(ctx, newWidget("c", 3))
	require.NoError(t, err)
	_, err = widgets.Update(ctx, newWidget("a", 10))
	require.NoError(t, err)
	_, err = widgets.Delete(ctx, "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"ADDED a list=true",
		"ADDED b list=true",
		"ADDED c list=false",
		"MODIFIED a list=false",
		"DELETED b list=false",
	}, log.snapshot())

	assert.Equal(t, 2, r.Store().Len())
	assert.Equal(t, "5", r.LastSyncResourceVersion())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reflector did not stop")
	}
}
