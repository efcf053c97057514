package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

func mustTensor(t *testing.T, shape tensor.Shape, data ...float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, data)
	require.NoError(t, err)
	return x
}

// slot returns a key that differs from others only by its hash.
func slot(hash uint64) Key { return Key{Hash: hash} }

func TestKeyOf(t *testing.T) {
	a := mustTensor(t, tensor.Shape{2, 2}, 1, 2, 3, 4)
	b := mustTensor(t, tensor.Shape{4}, 1, 2, 3, 4)

	assert.Equal(t, KeyOf("distmult", a, a, a), KeyOf("distmult", a.Clone(), a, a))
	assert.NotEqual(t, KeyOf("distmult", a, a, a).Hash, KeyOf("complex", a, a, a).Hash)
	assert.NotEqual(t, KeyOf("distmult", a, a, a).Hash, KeyOf("distmult", b, a, a).Hash, "shape is part of the hash")

	c := a.Clone()
	c.Set(5, 1, 1)
	assert.NotEqual(t, KeyOf("distmult", a, a, a).Hash, KeyOf("distmult", c, a, a).Hash)

	k := KeyOf("distmult", a, b)
	assert.Equal(t, "distmult[2 2][4]", k.Tag)
	assert.NotEqual(t, k.Hash, k.Check)
}

func TestLRUCacheHashCollision(t *testing.T) {
	c := NewLRUCache(4, 0)
	a := mustTensor(t, tensor.Shape{1, 1, 2}, 1, 2)
	b := mustTensor(t, tensor.Shape{1, 2, 1}, 3, 4)
	stored := KeyOf("distmult", a, a, a)
	before := testutil.ToFloat64(cacheCollisions)

	c.Put(stored, mustTensor(t, tensor.Shape{1, 1, 1, 1}, 7))

	// same slot, different inputs
	other := KeyOf("complex", b, b, b)
	other.Hash = stored.Hash
	_, ok := c.Get(other)
	assert.False(t, ok, "a hash match alone must not serve another request's scores")

	sameTag := stored
	sameTag.Check++
	_, ok = c.Get(sameTag)
	assert.False(t, ok)
	assert.Equal(t, before+2, testutil.ToFloat64(cacheCollisions))

	got, ok := c.Get(stored)
	require.True(t, ok)
	assert.Equal(t, []float64{7}, got.Data())

	c.Put(other, mustTensor(t, tensor.Shape{1, 1, 1, 1}, 9))
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get(stored)
	assert.False(t, ok, "the colliding entry replaced the old one")
	got, ok = c.Get(other)
	require.True(t, ok)
	assert.Equal(t, []float64{9}, got.Data())
}

func TestLRUCacheGetPut(t *testing.T) {
	c := NewLRUCache(4, time.Minute)
	scores := mustTensor(t, tensor.Shape{2, 1, 1, 1}, 0.5, 1.5)

	_, ok := c.Get(slot(1))
	assert.False(t, ok)

	c.Put(slot(1), scores)
	got, ok := c.Get(slot(1))
	require.True(t, ok)
	assert.Equal(t, scores.Data(), got.Data())
	assert.Equal(t, scores.Shape(), got.Shape())

	// Return copy to avoid modification of cached value
	got.Data()[0] = 99
	again, _ := c.Get(slot(1))
	assert.Equal(t, 0.5, again.Data()[0])

	// Store copy
	scores.Data()[1] = -1
	again, _ = c.Get(slot(1))
	assert.Equal(t, 1.5, again.Data()[1])
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(2, 0)
	x := mustTensor(t, tensor.Shape{1}, 1)
	before := testutil.ToFloat64(cacheEvictions)

	c.Put(slot(1), x)
	c.Put(slot(2), x)
	_, ok := c.Get(slot(1)) // 1 becomes most recent
	require.True(t, ok)
	c.Put(slot(3), x)

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(slot(2))
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get(slot(1))
	assert.True(t, ok)
	_, ok = c.Get(slot(3))
	assert.True(t, ok)
	assert.Equal(t, before+1, testutil.ToFloat64(cacheEvictions))
}

func TestLRUCacheTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewLRUCache(4, time.Second)
	c.now = func() time.Time { return now }

	c.Put(slot(7), mustTensor(t, tensor.Shape{1}, 3))
	_, ok := c.Get(slot(7))
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get(slot(7))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on read")
}

func TestLRUCacheUpdateAndClear(t *testing.T) {
	c := NewLRUCache(0, time.Minute)
	c.Put(slot(1), mustTensor(t, tensor.Shape{1}, 1))
	c.Put(slot(1), mustTensor(t, tensor.Shape{1}, 2))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get(slot(1))
	require.True(t, ok)
	assert.Equal(t, []float64{2}, got.Data())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(cacheSize))
}

var _ ScoreCache = (*LRUCache)(nil)
