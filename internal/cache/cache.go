// Package cache memoizes interaction scores keyed by a hash of the
// interaction name and its input tensors.
package cache

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// checkSeed seeds the second digest stored alongside every entry.
const checkSeed = 0x9e3779b97f4a7c15

// ScoreCache defines a generic interface for caching score tensors.
type ScoreCache interface {
	// Get retrieves a score tensor from the cache.
	Get(key Key) (*tensor.Tensor, bool)
	// Put stores a score tensor in the cache.
	Put(key Key, scores *tensor.Tensor)
	// Len returns the number of items in the cache.
	Len() int
}

// Key identifies a cached score tensor. Hash selects the slot, and Check and
// Tag must match the stored entry as well for a lookup to hit.
type Key struct {
	Hash  uint64
	Check uint64
	Tag   string
}

// KeyOf hashes the interaction name together with the shape and contents
// of every input tensor. The tag spells out the name and shapes.
func KeyOf(interaction string, xs ...*tensor.Tensor) Key {
	hash, check := xxhash.New(), xxhash.NewWithSeed(checkSeed)
	var tag strings.Builder
	tag.WriteString(interaction)

	var buf [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = hash.Write(buf[:])
		_, _ = check.Write(buf[:])
	}
	_, _ = hash.WriteString(interaction)
	_, _ = check.WriteString(interaction)
	for _, x := range xs {
		fmt.Fprint(&tag, []int(x.Shape()))
		write(uint64(x.Rank()))
		for _, n := range x.Shape() {
			write(uint64(n))
		}
		for _, v := range x.Data() {
			write(math.Float64bits(v))
		}
	}
	return Key{Hash: hash.Sum64(), Check: check.Sum64(), Tag: tag.String()}
}

type entry struct {
	key       Key
	scores    *tensor.Tensor
	expiresAt time.Time
}

// LRUCache is a size bounded ScoreCache whose entries expire after a TTL.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[uint64]*list.Element
	lru      *list.List
	now      func() time.Time
}

// NewLRUCache creates a cache holding at most capacity entries. A zero ttl
// keeps entries until they are evicted.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[uint64]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

func (c *LRUCache) Get(key Key) (*tensor.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key.Hash]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.key != key {
		cacheCollisions.Inc()
		cacheMisses.Inc()
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.remove(elem)
		cacheMisses.Inc()
		return nil, false
	}

	c.lru.MoveToFront(elem)
	cacheHits.Inc()
	// Return copy to avoid modification of cached value
	return e.scores.Clone(), true
}

func (c *LRUCache) Put(key Key, scores *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// a colliding key takes over the slot
	if elem, ok := c.items[key.Hash]; ok {
		e := elem.Value.(*entry)
		e.key = key
		e.scores = scores.Clone()
		e.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(elem)
		return
	}

	c.items[key.Hash] = c.lru.PushFront(&entry{
		key:       key,
		scores:    scores.Clone(),
		expiresAt: c.now().Add(c.ttl),
	})
	for c.lru.Len() > c.capacity {
		c.remove(c.lru.Back())
		cacheEvictions.Inc()
	}
	cacheSize.Set(float64(c.lru.Len()))
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear purges the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.items = make(map[uint64]*list.Element)
	cacheSize.Set(0)
}

func (c *LRUCache) remove(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*entry).key.Hash)
	cacheSize.Set(float64(c.lru.Len()))
}
