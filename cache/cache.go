// Package cache provides the two content-addressed caches that sit under
// the backend executors: a geometry cache for prepared reference
// geometries and a query cache for previously computed match counts and
// id sets. Both are bounded with LRU eviction and optional TTL expiry,
// and are pure functions of their key: any change to a determining input
// changes the key.
package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// GeometryKey addresses a prepared reference geometry: the same source
// selection, buffer, and target CRS always produce the same geometry.
type GeometryKey struct {
	// SourceHash fingerprints the source feature set (ids when stable,
	// geometry content otherwise).
	SourceHash uint64

	// Buffer is the signed buffer distance.
	Buffer float64

	// SRID is the target CRS identifier.
	SRID int

	// CapStyle participates because it changes the dilation shape.
	CapStyle geometry.CapStyle
}

func (k GeometryKey) String() string {
	return fmt.Sprintf("%x|%s|%d|%s",
		k.SourceHash, strconv.FormatFloat(k.Buffer, 'g', -1, 64), k.SRID, k.CapStyle)
}

// GeometryCache caches prepared reference geometries so that filtering
// many layers against the same source selection prepares the geometry
// once. References are immutable, so entries are shared, not copied.
type GeometryCache struct {
	lru *expirable.LRU[string, *geometry.Reference]
}

// NewGeometryCache creates a bounded geometry cache. ttl <= 0 disables
// expiry.
func NewGeometryCache(size int, ttl time.Duration) *GeometryCache {
	if size <= 0 {
		size = 64
	}
	return &GeometryCache{lru: expirable.NewLRU[string, *geometry.Reference](size, nil, ttl)}
}

// Get returns the cached reference for the key, if present.
func (c *GeometryCache) Get(key GeometryKey) (*geometry.Reference, bool) {
	return c.lru.Get(key.String())
}

// Put stores a prepared reference.
func (c *GeometryCache) Put(key GeometryKey, ref *geometry.Reference) {
	c.lru.Add(key.String(), ref)
}

// Purge drops all entries.
func (c *GeometryCache) Purge() { c.lru.Purge() }

// Len returns the current entry count.
func (c *GeometryCache) Len() int { return c.lru.Len() }

// QueryKey addresses a computed query result. Every determining input is
// key material; in particular a different combine-operator context never
// serves another context's hit.
type QueryKey struct {
	LayerID       string
	SetHash       uint64
	Buffer        float64
	GeometryHash  uint64
	Backend       layer.ProviderKind
	Combine       string
	Existing      string
	RepresentPts  bool
	DatasetEpoch  uint64 // bumped when the layer's underlying data changes
}

func (k QueryKey) String() string {
	h := xxhash.New()
	_, _ = h.WriteString(k.LayerID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatUint(k.SetHash, 16))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatFloat(k.Buffer, 'g', -1, 64))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatUint(k.GeometryHash, 16))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(k.Backend))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(k.Combine)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(k.Existing)
	if k.RepresentPts {
		_, _ = h.WriteString("|rep")
	}
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatUint(k.DatasetEpoch, 16))
	return strconv.FormatUint(h.Sum64(), 16)
}

// QueryValue is a cached query outcome: the match count and, when the
// executor produced one, the matching id set.
type QueryValue struct {
	Count int64    `msgpack:"count"`
	IDs   []string `msgpack:"ids,omitempty"`

	// Expression is the live filter text the hit reconstructs, so a
	// cached outcome can be applied without re-executing.
	Expression string `msgpack:"expr,omitempty"`
}

// QueryCache caches query outcomes keyed by the full determining-input
// tuple. Values are msgpack-encoded and zstd-compressed above the codec
// threshold to bound resident size for large id sets.
type QueryCache struct {
	lru   *expirable.LRU[string, []byte]
	codec *Codec
}

// NewQueryCache creates a bounded query cache. ttl <= 0 disables expiry.
func NewQueryCache(size int, ttl time.Duration, codec *Codec) (*QueryCache, error) {
	if size <= 0 {
		size = 256
	}
	if codec == nil {
		var err error
		codec, err = NewCodec(0)
		if err != nil {
			return nil, err
		}
	}
	return &QueryCache{
		lru:   expirable.NewLRU[string, []byte](size, nil, ttl),
		codec: codec,
	}, nil
}

// Get returns the cached outcome for the key, if present and decodable.
func (c *QueryCache) Get(key QueryKey) (*QueryValue, bool) {
	data, ok := c.lru.Get(key.String())
	if !ok {
		return nil, false
	}
	var v QueryValue
	if err := c.codec.Unmarshal(data, &v); err != nil {
		c.lru.Remove(key.String())
		return nil, false
	}
	return &v, true
}

// Put stores a query outcome.
func (c *QueryCache) Put(key QueryKey, v *QueryValue) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return
	}
	c.lru.Add(key.String(), data)
}

// InvalidateLayer is a coarse invalidation used when a layer's underlying
// data source changes without an epoch bump: it purges the whole cache.
// Callers that track epochs never need it.
func (c *QueryCache) InvalidateLayer() { c.lru.Purge() }

// Purge drops all entries.
func (c *QueryCache) Purge() { c.lru.Purge() }

// Len returns the current entry count.
func (c *QueryCache) Len() int { return c.lru.Len() }

// Close releases codec resources.
func (c *QueryCache) Close() error { return c.codec.Close() }
