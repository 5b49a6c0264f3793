package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// evalBatch is how many features the file and memory executors evaluate
// between cancellation checks.
const evalBatch = 512

// FilePort executes filters against feature-collection files. The
// underlying store is not safe for concurrent access, so every operation
// is serialized behind one mutex, even across layers. Files above the
// stream threshold are decoded feature by feature to bound peak memory.
type FilePort struct {
	mu sync.Mutex

	// StreamThreshold is the file size in bytes above which decoding
	// switches to the streaming path. Default: 8 MiB.
	StreamThreshold int64

	// matched holds the live id set per layer, the state the combine
	// operators merge into.
	matched map[string][]string
}

// NewFilePort creates the file executor.
func NewFilePort(streamThreshold int64) *FilePort {
	if streamThreshold <= 0 {
		streamThreshold = 8 << 20
	}
	return &FilePort{
		StreamThreshold: streamThreshold,
		matched:         make(map[string][]string),
	}
}

func (p *FilePort) Kind() layer.ProviderKind { return layer.ProviderFile }

func (p *FilePort) ApplyFilter(ctx context.Context, lyr *layer.Layer, e *expr.Expression, strategy expr.Strategy) (*FilterResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()

	var ids []string
	// A nil tree means the reference matches nothing on its own; the
	// combine below still folds in the prior set.
	if !e.ZeroMatches && e.Tree != nil {
		var err error
		ids, err = p.matchIDs(ctx, lyr, e)
		if err != nil {
			return nil, err
		}
	}
	if e.Existing != "" {
		ids = CombineIDs(p.matched[lyr.ID], ids, e.Combine)
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
// The engine calls it only after an apply succeeds end to end.
func (p *FilePort) Commit(layerID string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matched[layerID] = ids
}

func (p *FilePort) matchIDs(ctx context.Context, lyr *layer.Layer, e *expr.Expression) ([]string, error) {
	var ids []string
	n := 0
	err := p.eachFeature(ctx, lyr, func(f *geojson.Feature, idx int) error {
		if n++; n%evalBatch == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return errs.Canonical(cerr)
			}
		}
		if f.Geometry == nil {
			return nil
		}
		g := f.Geometry
		if e.RepresentPoints {
			g = geometry.InteriorPoint(g, 0)
		}
		if e.Tree.Evaluate(e.Ref, g) {
			ids = append(ids, featureID(f, lyr.PK, idx))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// eachFeature decodes the layer's file and calls fn per feature. Small
// files are decoded whole; large ones stream through a token decoder.
func (p *FilePort) eachFeature(ctx context.Context, lyr *layer.Layer, fn func(f *geojson.Feature, idx int) error) error {
	info, err := os.Stat(lyr.Locator.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
	}
	if info.Size() <= p.StreamThreshold {
		data, err := os.ReadFile(lyr.Locator.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return fmt.Errorf("%w: decode %s: %v", errs.ErrValidation, lyr.Locator.Path, err)
		}
		for i, f := range fc.Features {
			if err := fn(f, i); err != nil {
				return err
			}
		}
		return nil
	}
	return p.streamFeatures(ctx, lyr.Locator.Path, fn)
}

// streamFeatures walks the top-level document tokens until the features
// array, then decodes one feature at a time.
func (p *FilePort) streamFeatures(ctx context.Context, path string, fn func(f *geojson.Feature, idx int) error) error {
	fd, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
	}
	defer fd.Close()

	dec := json.NewDecoder(fd)
	if err := seekFeatures(dec); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrValidation, path, err)
	}
	idx := 0
	for dec.More() {
		var f geojson.Feature
		if err := dec.Decode(&f); err != nil {
			return fmt.Errorf("%w: %s feature %d: %v", errs.ErrValidation, path, idx, err)
		}
		if err := fn(&f, idx); err != nil {
			return err
		}
		idx++
	}
	return nil
}

// seekFeatures advances the decoder to just inside the "features" array.
func seekFeatures(dec *json.Decoder) error {
	if tok, err := dec.Token(); err != nil {
		return err
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("not a feature collection")
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("no features array")
			}
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("no features array")
		}
		if key == "features" {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("features is not an array")
			}
			return nil
		}
		// Skip the value of every other key.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return err
		}
	}
}

// featureID resolves a feature's identity: the declared primary key
// property when present, the document id otherwise, the position as a
// last resort.
func featureID(f *geojson.Feature, pk *layer.PrimaryKey, idx int) string {
	if pk != nil && !pk.Synthetic {
		if v, ok := f.Properties[pk.Name]; ok {
			return propertyString(v)
		}
	}
	if f.ID != nil {
		return propertyString(f.ID)
	}
	return strconv.Itoa(idx)
}

func propertyString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (p *FilePort) FeatureCount(ctx context.Context, lyr *layer.Layer) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lyr.Filter != "" {
		return int64(len(p.matched[lyr.ID])), nil
	}
	var n int64
	err := p.eachFeature(ctx, lyr, func(*geojson.Feature, int) error {
		n++
		return nil
	})
	return n, err
}

func (p *FilePort) ExportSubset(ctx context.Context, lyr *layer.Layer, fields []string) (*ExportResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keep map[string]bool
	if lyr.Filter != "" {
		keep = make(map[string]bool, len(p.matched[lyr.ID]))
		for _, id := range p.matched[lyr.ID] {
			keep[id] = true
		}
	}

	var rows [][]any
	err := p.eachFeature(ctx, lyr, func(f *geojson.Feature, idx int) error {
		id := featureID(f, lyr.PK, idx)
		if keep != nil && !keep[id] {
			return nil
		}
		row := make([]any, 0, len(fields)+2)
		row = append(row, pkValue(id, lyr.PK))
		for _, name := range fields {
			row = append(row, f.Properties[name])
		}
		if f.Geometry == nil {
			row = append(row, nil)
		} else {
			raw, err := wkb.Marshal(f.Geometry)
			if err != nil {
				return fmt.Errorf("%w: encode feature %s: %v", errs.ErrGeometry, id, err)
			}
			row = append(row, raw)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	i := 0
	return buildExport(lyr, fields, func() ([]any, bool, error) {
		if i >= len(rows) {
			return nil, false, nil
		}
		row := rows[i]
		i++
		return row, true, nil
	})
}

func pkValue(id string, pk *layer.PrimaryKey) any {
	if pk != nil && pk.Numeric {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			return n
		}
	}
	return id
}

func (p *FilePort) Cleanup(_ context.Context, lyr *layer.Layer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.matched, lyr.ID)
	return nil
}
