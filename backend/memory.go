package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// MemoryPort evaluates predicates directly over resident features. It is
// the fastest path for small datasets and doubles as the small-dataset
// fast path for layers whose primary storage is elsewhere: the engine
// loads features once, filters here, and pushes the resulting id set
// back as a membership filter on the original layer.
type MemoryPort struct {
	registry layer.Registry

	mu      sync.Mutex
	matched map[string][]string
}

// NewMemoryPort creates the resident-feature executor.
func NewMemoryPort(registry layer.Registry) *MemoryPort {
	return &MemoryPort{
		registry: registry,
		matched:  make(map[string][]string),
	}
}

func (p *MemoryPort) Kind() layer.ProviderKind { return layer.ProviderMemory }

func (p *MemoryPort) ApplyFilter(ctx context.Context, lyr *layer.Layer, e *expr.Expression, strategy expr.Strategy) (*FilterResult, error) {
	start := time.Now()

	var ids []string
	// A nil tree means the reference matches nothing on its own; the
	// combine below still folds in the prior set.
	if !e.ZeroMatches && e.Tree != nil {
		features, err := p.registry.Features(ctx, lyr.ID)
		if err != nil {
			return nil, err
		}
		for i, f := range features {
			if i%evalBatch == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return nil, errs.Canonical(cerr)
				}
			}
			if f.Geometry == nil {
				continue
			}
			g := f.Geometry
			if e.RepresentPoints {
				g = geometry.InteriorPoint(g, 0)
			}
			if e.Tree.Evaluate(e.Ref, g) {
				ids = append(ids, f.ID)
			}
		}
	}
	if e.Existing != "" {
		p.mu.Lock()
		ids = CombineIDs(p.matched[lyr.ID], ids, e.Combine)
		p.mu.Unlock()
	}

	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   e.SQL,
		FeatureCount: int64(len(ids)),
		Strategy:     strategy,
		IDs:          ids,
		Duration:     time.Since(start),
	}, nil
}

// Commit records the applied id set so later combines merge against it.
func (p *MemoryPort) Commit(layerID string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matched[layerID] = ids
}

// Matched returns the committed id set for a layer, nil when none.
func (p *MemoryPort) Matched(layerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matched[layerID]
}

func (p *MemoryPort) FeatureCount(ctx context.Context, lyr *layer.Layer) (int64, error) {
	if lyr.Filter != "" {
		p.mu.Lock()
		defer p.mu.Unlock()
		return int64(len(p.matched[lyr.ID])), nil
	}
	features, err := p.registry.Features(ctx, lyr.ID)
	if err != nil {
		return 0, err
	}
	return int64(len(features)), nil
}

func (p *MemoryPort) ExportSubset(ctx context.Context, lyr *layer.Layer, fields []string) (*ExportResult, error) {
	features, err := p.registry.Features(ctx, lyr.ID)
	if err != nil {
		return nil, err
	}

	var keep map[string]bool
	if lyr.Filter != "" {
		p.mu.Lock()
		keep = make(map[string]bool, len(p.matched[lyr.ID]))
		for _, id := range p.matched[lyr.ID] {
			keep[id] = true
		}
		p.mu.Unlock()
	}

	i := 0
	return buildExport(lyr, fields, func() ([]any, bool, error) {
		for i < len(features) {
			f := features[i]
			i++
			if keep != nil && !keep[f.ID] {
				continue
			}
			row := make([]any, 0, len(fields)+2)
			row = append(row, pkValue(f.ID, lyr.PK))
			for _, name := range fields {
				row = append(row, f.Fields[name])
			}
			if f.Geometry == nil {
				row = append(row, nil)
			} else {
				raw, err := wkb.Marshal(f.Geometry)
				if err != nil {
					return nil, false, fmt.Errorf("%w: encode feature %s: %v", errs.ErrGeometry, f.ID, err)
				}
				row = append(row, raw)
			}
			return row, true, nil
		}
		return nil, false, nil
	})
}

func (p *MemoryPort) Cleanup(_ context.Context, lyr *layer.Layer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.matched, lyr.ID)
	return nil
}
