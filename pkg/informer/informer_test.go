package informer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	toolscache "k8s.io/client-go/tools/cache"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

func TestInformerDeliversToHandlers(t *testing.T) {
	lw := &scriptedListerWatcher{
		lists: []listResult{listOf("10", newWidget("a", "1"))},
		watches: []watchResult{stream(false,
			watch.Event{Type: watch.Added, Object: newWidget("b", "11")},
			watch.Event{Type: watch.Modified, Object: newWidget("a", "12")},
			watch.Event{Type: watch.Deleted, Object: newWidget("b", "13")},
		)},
	}
	inf, err := NewInformer("widgets", lw, 0, WithBackoff(fastBackoff()))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	inf.AddEventHandler(toolscache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(obj interface{}, isInInitialList bool) {
			name := obj.(metav1.Object).GetObjectMeta().Name
			if isInInitialList {
				record("initial:" + name)
				return
			}
			record("add:" + name)
		},
		UpdateFunc: func(oldObj, newObj interface{}) {
			record("update:" + oldObj.(metav1.Object).GetObjectMeta().ResourceVersion + "->" + newObj.(metav1.Object).GetObjectMeta().ResourceVersion)
		},
		DeleteFunc: func(obj interface{}) {
			record("delete:" + obj.(metav1.Object).GetObjectMeta().Name)
		},
	})

	stopCh := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		inf.Run(stopCh)
	}()

	require.True(t, toolscache.WaitForCacheSync(stopCh, inf.HasSynced))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 5*time.Second, time.Millisecond)

	close(stopCh)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("informer did not stop")
	}

	assert.Equal(t, []string{"initial:a", "add:b", "update:1->12", "delete:b"}, events)
	_, ok := inf.GetStore().Get(widgetID("a"))
	assert.True(t, ok)
	assert.Equal(t, 1, inf.GetStore().Len())
	assert.NoError(t, inf.LastError())
}
