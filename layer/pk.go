package layer

import "strings"

// Field describes a layer attribute column for primary key detection.
type Field struct {
	Name    string
	Type    string
	Unique  bool
	NotNull bool
}

// Well-known identifier column names, checked in order. Name matching is
// case-insensitive; the stored name preserves the original spelling.
var pkCandidates = []string{"fid", "gid", "id", "ogc_fid", "objectid", "pk"}

var numericTypes = map[string]bool{
	"int":      true,
	"int2":     true,
	"int4":     true,
	"int8":     true,
	"integer":  true,
	"smallint": true,
	"bigint":   true,
	"serial":   true,
	"serial4":  true,
	"serial8":  true,
	"oid":      true,
	"numeric":  true,
}

// DetectPrimaryKey identifies a reliable unique row identifier for a layer.
//
// Detection order:
//  1. a unique, not-null field named like a conventional key column
//  2. any unique, not-null field
//  3. a synthetic row-identity key ("rowid"), flagged Synthetic so callers
//     can degrade functionality (e.g. disable materialized-view strategies)
//     and surface a warning.
func DetectPrimaryKey(fields []Field) *PrimaryKey {
	byName := func(name string) *PrimaryKey {
		for i, f := range fields {
			if !strings.EqualFold(f.Name, name) || !f.Unique || !f.NotNull {
				continue
			}
			return &PrimaryKey{
				Name:    f.Name,
				Ordinal: i,
				Type:    f.Type,
				Numeric: numericTypes[strings.ToLower(f.Type)],
			}
		}
		return nil
	}

	for _, name := range pkCandidates {
		if pk := byName(name); pk != nil {
			return pk
		}
	}

	for i, f := range fields {
		if f.Unique && f.NotNull {
			return &PrimaryKey{
				Name:    f.Name,
				Ordinal: i,
				Type:    f.Type,
				Numeric: numericTypes[strings.ToLower(f.Type)],
			}
		}
	}

	return &PrimaryKey{Name: "rowid", Ordinal: -1, Type: "bigint", Numeric: true, Synthetic: true}
}
