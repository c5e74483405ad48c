package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/fx147/ecsm-mirror/pkg/watch"
)

func newWidget(name, rv string) *metav1.RawObject {
	return &metav1.RawObject{
		TypeMeta:   metav1.TypeMeta{Kind: "Widget", APIVersion: "example.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", ResourceVersion: rv},
	}
}

func widgetID(name string) metav1.Identity {
	return metav1.Identity{Kind: "Widget", Namespace: "default", Name: name}
}

func TestStoreApplyIsIdempotent(t *testing.T) {
	s := NewStore()

	d, changed, err := s.Apply(watch.Event{Type: watch.Added, Object: newWidget("a", "1")})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, watch.Added, d.Type)

	// 同一版本再次到达不改变 Store
	_, changed, err = s.Apply(watch.Event{Type: watch.Added, Object: newWidget("a", "1")})
	require.NoError(t, err)
	assert.False(t, changed)
	_, changed, err = s.Apply(watch.Event{Type: watch.Modified, Object: newWidget("a", "1")})
	require.NoError(t, err)
	assert.False(t, changed)

	d, changed, err = s.Apply(watch.Event{Type: watch.Modified, Object: newWidget("a", "2")})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, watch.Modified, d.Type)
	assert.Equal(t, "1", metav1.RevisionOf(d.OldObject))
	assert.Equal(t, "2", metav1.RevisionOf(d.Object))

	d, changed, err = s.Apply(watch.Event{Type: watch.Deleted, Object: newWidget("a", "3")})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, watch.Deleted, d.Type)

	// 删除一个不存在的对象是空操作
	_, changed, err = s.Apply(watch.Event{Type: watch.Deleted, Object: newWidget("a", "3")})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0, s.Len())
}

func TestStoreApplyNormalizesEventType(t *testing.T) {
	s := NewStore()

	d, changed, err := s.Apply(watch.Event{Type: watch.Modified, Object: newWidget("a", "1")})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, watch.Added, d.Type)

	d, changed, err = s.Apply(watch.Event{Type: watch.Added, Object: newWidget("a", "2")})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, watch.Modified, d.Type)
}

func TestStoreApplyRejectsNonMutatingEvents(t *testing.T) {
	s := NewStore()

	_, _, err := s.Apply(watch.Event{Type: watch.Bookmark, ResourceVersion: "5"})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, _, err = s.Apply(watch.Event{Type: watch.Added})
	assert.Error(t, err)
}

func TestStoreReplacePrunesMissingIdentities(t *testing.T) {
	s := NewStore()
	s.Replace([]metav1.Object{newWidget("a", "1"), newWidget("b", "1"), newWidget("c", "1")}, "10")

	deltas := s.Replace([]metav1.Object{newWidget("a", "1"), newWidget("c", "1")}, "12")

	require.Len(t, deltas, 1)
	assert.Equal(t, watch.Deleted, deltas[0].Type)
	assert.Equal(t, widgetID("b"), deltas[0].Identity())
	assert.True(t, deltas[0].FromList)
	assert.Equal(t, []metav1.Identity{widgetID("a"), widgetID("c")}, s.Keys())
	assert.Equal(t, "12", s.LastSyncResourceVersion())

	// 随后 watch 到的 Deleted(b) 不会再产生一次删除
	_, changed, err := s.Apply(watch.Event{Type: watch.Deleted, Object: newWidget("b", "11")})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStoreReplaceReportsAddedAndModified(t *testing.T) {
	s := NewStore()
	s.Replace([]metav1.Object{newWidget("a", "1"), newWidget("b", "1")}, "5")

	deltas := s.Replace([]metav1.Object{newWidget("a", "2"), newWidget("b", "1"), newWidget("d", "4")}, "6")

	require.Len(t, deltas, 2)
	assert.Equal(t, watch.Modified, deltas[0].Type)
	assert.Equal(t, widgetID("a"), deltas[0].Identity())
	assert.Equal(t, "1", metav1.RevisionOf(deltas[0].OldObject))
	assert.Equal(t, watch.Added, deltas[1].Type)
	assert.Equal(t, widgetID("d"), deltas[1].Identity())
}

func TestStoreIsolatesCallerCopies(t *testing.T) {
	s := NewStore()
	obj := newWidget("a", "1")
	_, _, err := s.Apply(watch.Event{Type: watch.Added, Object: obj})
	require.NoError(t, err)

	obj.Labels = map[string]string{"mutated": "true"}
	got, ok := s.Get(widgetID("a"))
	require.True(t, ok)
	assert.Empty(t, got.GetObjectMeta().Labels)

	got.GetObjectMeta().Labels = map[string]string{"mutated": "true"}
	again, _ := s.Get(widgetID("a"))
	assert.Empty(t, again.GetObjectMeta().Labels)
}

func TestStoreByNamespace(t *testing.T) {
	s := NewStore()
	other := newWidget("x", "1")
	other.Namespace = "kube"
	s.Replace([]metav1.Object{newWidget("a", "1"), other}, "1")

	assert.Len(t, s.ByNamespace("Widget", "default"), 1)
	assert.Len(t, s.ByNamespace("", "kube"), 1)
	assert.Empty(t, s.ByNamespace("Gadget", "default"))
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				for _, obj := range s.List() {
					assert.NotEmpty(t, metav1.RevisionOf(obj))
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		rv := string(rune('a' + i%26))
		_, _, err := s.Apply(watch.Event{Type: watch.Modified, Object: newWidget("a", rv)})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestResourceVersionTracker(t *testing.T) {
	tr := NewResourceVersionTracker()
	assert.Empty(t, tr.Current())

	assert.ErrorIs(t, tr.Observe(""), ErrInvalidResourceVersion)

	require.NoError(t, tr.Observe("42"))
	assert.Equal(t, "42", tr.Current())
	require.NoError(t, tr.Observe("7"))
	assert.Equal(t, "7", tr.Current(), "markers are opaque, the source decides ordering")

	tr.Reset()
	assert.Empty(t, tr.Current())
}
