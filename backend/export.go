package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/layer"
)

// exportBatch is the row count per Arrow record in export streams.
const exportBatch = 1024

// exportKey names the id column of an export. Layers without a usable
// primary key export the resolved feature id as a string "fid" column.
func exportKey(lyr *layer.Layer) (string, bool) {
	if lyr.PK == nil {
		return "fid", false
	}
	return lyr.PK.Name, lyr.PK.Numeric
}

// exportColumns renders the SELECT list for a subset export: the primary
// key first, then the requested fields. The geometry column is appended
// by the caller in its backend-native WKB form.
func exportColumns(lyr *layer.Layer, fields []string) string {
	name, _ := exportKey(lyr)
	cols := make([]string, 0, len(fields)+1)
	cols = append(cols, expr.QuoteIdent(name))
	for _, f := range fields {
		cols = append(cols, expr.QuoteIdent(f))
	}
	return strings.Join(cols, ", ")
}

// geometryField builds a WKB-encoded binary field carrying GeoArrow
// extension metadata, so downstream format writers recognize the column
// as spatial and know its CRS.
func geometryField(name string, srid int) arrow.Field {
	crs, _ := json.Marshal(map[string]any{
		"crs":      map[string]any{"id": map[string]any{"authority": "EPSG", "code": srid}},
		"encoding": "WKB",
	})
	return arrow.Field{
		Name:     name,
		Type:     arrow.BinaryTypes.Binary,
		Nullable: true,
		Metadata: arrow.MetadataFrom(map[string]string{
			"ARROW:extension:name":     "geoarrow.wkb",
			"ARROW:extension:metadata": string(crs),
			"srid":                     fmt.Sprintf("%d", srid),
		}),
	}
}

// fieldType maps a scanned value to its Arrow type. Unknown and null
// values degrade to strings.
func fieldType(v any) arrow.DataType {
	switch v.(type) {
	case int8, int16, int32, int64, int, uint8, uint16, uint32:
		return arrow.PrimitiveTypes.Int64
	case float32, float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us
	case []byte:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// buildExport drains rows from next and packs them into Arrow records.
// Row layout: primary key, then the requested fields in order, geometry
// WKB last. The schema's field types are probed from the first row.
func buildExport(lyr *layer.Layer, fields []string, next func() ([]any, bool, error)) (*ExportResult, error) {
	first, ok, err := next()
	if err != nil {
		return nil, err
	}
	res := &ExportResult{LayerID: lyr.ID}
	if !ok {
		res.Schema = exportSchema(lyr, fields, nil)
		return res, nil
	}
	if want := len(fields) + 2; len(first) != want {
		return nil, fmt.Errorf("%w: export row has %d columns, want %d", errs.ErrValidation, len(first), want)
	}

	res.Schema = exportSchema(lyr, fields, first)
	bld := array.NewRecordBuilder(memory.DefaultAllocator, res.Schema)
	defer bld.Release()

	rows := 0
	flush := func() {
		if rows == 0 {
			return
		}
		res.Records = append(res.Records, bld.NewRecord())
		rows = 0
	}

	row := first
	for {
		for i, v := range row {
			if err := appendValue(bld.Field(i), v); err != nil {
				res.Release()
				return nil, err
			}
		}
		res.Count++
		if rows++; rows == exportBatch {
			flush()
		}
		row, ok, err = next()
		if err != nil {
			res.Release()
			return nil, err
		}
		if !ok {
			break
		}
	}
	flush()
	return res, nil
}

func exportSchema(lyr *layer.Layer, fields []string, probe []any) *arrow.Schema {
	out := make([]arrow.Field, 0, len(fields)+2)
	pkName, pkNumeric := exportKey(lyr)
	pkType := arrow.DataType(arrow.BinaryTypes.String)
	if pkNumeric {
		pkType = arrow.PrimitiveTypes.Int64
	}
	out = append(out, arrow.Field{Name: pkName, Type: pkType})
	for i, f := range fields {
		ft := arrow.DataType(arrow.BinaryTypes.String)
		if probe != nil {
			ft = fieldType(probe[i+1])
		}
		out = append(out, arrow.Field{Name: f, Type: ft, Nullable: true})
	}
	out = append(out, geometryField(lyr.GeometryColumn, lyr.SRID))
	return arrow.NewSchema(out, nil)
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.Int64Builder:
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		fb.Append(n)
	case *array.Float64Builder:
		switch x := v.(type) {
		case float64:
			fb.Append(x)
		case float32:
			fb.Append(float64(x))
		default:
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			fb.Append(float64(n))
		}
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: export value %T into boolean column", errs.ErrValidation, v)
		}
		fb.Append(x)
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("%w: export value %T into timestamp column", errs.ErrValidation, v)
		}
		fb.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			fb.Append(x)
		case string:
			fb.Append([]byte(x))
		default:
			return fmt.Errorf("%w: export value %T into binary column", errs.ErrValidation, v)
		}
	case *array.StringBuilder:
		fb.Append(fmt.Sprintf("%v", v))
	default:
		return fmt.Errorf("%w: unsupported export column type %T", errs.ErrValidation, b)
	}
	return nil
}

func asInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: export value %T into integer column", errs.ErrValidation, v)
	}
}
