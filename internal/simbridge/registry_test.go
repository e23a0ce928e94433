package simbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopListener(Event, error) {}

func TestRegistryAddIsAdditiveAndOrdered(t *testing.T) {
	r := NewRegistry()
	a, first := r.Add("~/response", "", noopListener)
	assert.True(t, first)
	b, first := r.Add("~/response", "", noopListener)
	assert.False(t, first)
	c, _ := r.Add("~/response", "", noopListener)

	snap := r.Snapshot("~/response")
	require.Len(t, snap, 3)
	assert.Same(t, a, snap[0])
	assert.Same(t, b, snap[1])
	assert.Same(t, c, snap[2])
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRegistryRemoveTopicTwiceIsNoop(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Add("~/response", "", noopListener)
	r.Add("~/response", "", noopListener)

	assert.Equal(t, 2, r.RemoveTopic("~/response"))
	assert.Equal(t, 0, r.RemoveTopic("~/response"))
	assert.Equal(t, 0, r.RemoveTopic("~/never"))
	assert.False(t, a.Active())
	assert.Empty(t, r.Snapshot("~/response"))
	assert.Empty(t, r.Topics())
}

func TestRegistryRemoveIsHandleScoped(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Add("~/model/info", "", noopListener)
	b, _ := r.Add("~/model/info", "", noopListener)

	assert.False(t, r.Remove(a))
	assert.False(t, r.Remove(a), "second removal of the same handle")
	assert.Equal(t, 1, r.Count("~/model/info"))
	assert.True(t, b.Active())
	assert.True(t, r.Remove(b))
	assert.Equal(t, 0, r.Count("~/model/info"))
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Add("~/b", "", noopListener)
	r.Add("~/a", "", noopListener)

	assert.Equal(t, []string{"~/a", "~/b"}, r.Clear())
	assert.False(t, a.Active())
	assert.Empty(t, r.Topics())
}
