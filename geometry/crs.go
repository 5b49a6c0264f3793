package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Common geographic (angular, degree-based) coordinate reference systems.
// Buffers requested against these need a metric working CRS to keep buffer
// units correct regardless of latitude.
var geographicSRIDs = map[int]bool{
	4326: true, // WGS 84
	4269: true, // NAD83
	4258: true, // ETRS89
	4283: true, // GDA94
	4617: true, // NAD83(CSRS)
	4759: true, // NAD83(NSRS2007)
}

// WebMercatorSRID is the default metric working CRS used when the caller
// does not declare an optimal one.
const WebMercatorSRID = 3857

// IsGeographic reports whether the SRID uses angular (degree) units.
// Beyond the well-known list, the EPSG 4000-4999 band is predominantly
// geographic 2D systems and is treated as such.
func IsGeographic(srid int) bool {
	if geographicSRIDs[srid] {
		return true
	}
	return srid >= 4000 && srid < 5000
}

// ToMetric reprojects a geographic geometry into the web-mercator working
// CRS. Operates on a copy; the input is never mutated.
func ToMetric(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
}

// toGeographic reprojects a web-mercator geometry back to degrees.
func toGeographic(g orb.Geometry) orb.Geometry {
	return project.Geometry(orb.Clone(g), project.Mercator.ToWGS84)
}
