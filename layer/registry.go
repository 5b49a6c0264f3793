package layer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hugr-lab/geofilter/errs"
)

// Registry is the host-provided lookup surface for layers. The engine
// resolves layers by id, reads their provider kind, CRS and primary key,
// and writes back filter state on every apply/undo/redo.
//
// Implementations MUST be goroutine-safe.
type Registry interface {
	// Layer returns a snapshot of the layer with the given id.
	Layer(id string) (*Layer, error)

	// SetFilter records the layer's new live filter expression and its
	// match count (-1 when unknown).
	SetFilter(id, expression string, count int64) error

	// Features returns the resident features of a layer. Used by the
	// in-memory backend and by the small-dataset fast path for layers
	// whose primary storage is elsewhere.
	Features(ctx context.Context, id string) ([]Feature, error)
}

// MapRegistry is an in-memory Registry for embedding and tests.
type MapRegistry struct {
	mu       sync.RWMutex
	layers   map[string]*Layer
	features map[string][]Feature
}

// NewMapRegistry creates an empty in-memory registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{
		layers:   make(map[string]*Layer),
		features: make(map[string][]Feature),
	}
}

// Add registers a layer, replacing any previous layer with the same id.
func (r *MapRegistry) Add(l *Layer, features []Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	if cp.FilterCount == 0 && cp.Filter == "" {
		cp.FilterCount = -1
	}
	r.layers[l.ID] = &cp
	if features != nil {
		r.features[l.ID] = features
	}
}

// Remove drops a layer from the registry.
func (r *MapRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.layers, id)
	delete(r.features, id)
}

// Layer returns a copy of the stored layer.
func (r *MapRegistry) Layer(id string) (*Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown layer %q", errs.ErrValidation, id)
	}
	cp := *l
	return &cp, nil
}

// Layers returns all registered layers ordered by id.
func (r *MapRegistry) Layers() []*Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Layer, 0, len(r.layers))
	for _, l := range r.layers {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetFilter updates the live filter expression of a layer.
func (r *MapRegistry) SetFilter(id, expression string, count int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.layers[id]
	if !ok {
		return fmt.Errorf("%w: unknown layer %q", errs.ErrValidation, id)
	}
	l.Filter = expression
	l.FilterCount = count
	return nil
}

// Features returns the resident features of a layer.
func (r *MapRegistry) Features(ctx context.Context, id string) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canonical(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.features[id]
	if !ok {
		return nil, fmt.Errorf("%w: layer %q has no resident features", errs.ErrCapabilityMismatch, id)
	}
	return f, nil
}
