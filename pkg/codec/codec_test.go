package codec

import (
	"testing"

	ecsmv1 "github.com/fx147/ecsm-mirror/pkg/apis/ecsm/v1"
	metav1 "github.com/fx147/ecsm-mirror/pkg/apis/meta/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownKind(t *testing.T) {
	data := []byte(`{"apiVersion":"ecsm.sh/v1","kind":"ECSMService","metadata":{"name":"web","namespace":"default","resourceVersion":"7"},"spec":{"deploymentStrategy":{"type":"Static","nodes":["n1"]},"template":{"image":"web@1.0"}}}`)

	obj, err := Default.Decode(data)
	require.NoError(t, err)

	svc, ok := obj.(*ecsmv1.ECSMService)
	require.True(t, ok, "expected *ECSMService, got %T", obj)
	assert.Equal(t, "web@1.0", svc.Spec.Template.Image)
	assert.Equal(t, metav1.Identity{Kind: "ECSMService", Namespace: "default", Name: "web"}, metav1.IdentityOf(obj))
	assert.Equal(t, "7", metav1.RevisionOf(obj))
}

func TestDecodeUnknownKindFallsBackToRawObject(t *testing.T) {
	data := []byte(`{"apiVersion":"example.io/v1","kind":"Widget","metadata":{"name":"w1","resourceVersion":"3"},"spec":{"size":3}}`)

	obj, err := Default.Decode(data)
	require.NoError(t, err)

	raw, ok := obj.(*metav1.RawObject)
	require.True(t, ok, "expected *RawObject, got %T", obj)
	assert.JSONEq(t, `{"size":3}`, string(raw.Spec))
	assert.Equal(t, metav1.Identity{Kind: "Widget", Name: "w1"}, metav1.IdentityOf(obj))

	encoded, err := Default.Encode(obj)
	require.NoError(t, err)
	again, err := Default.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, obj, again)
}

func TestDecodeRejectsMissingKind(t *testing.T) {
	_, err := Default.Decode([]byte(`{"metadata":{"name":"x"}}`))
	assert.Error(t, err)

	_, err = Default.Decode([]byte(`not json`))
	assert.Error(t, err)
}
