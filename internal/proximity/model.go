// Package proximity holds the unified amenity collection and answers the
// spatial questions asked of it: how many amenities of each category lie
// within a radius of a point, which ones, and how far the nearest one lies
// when none do.
package proximity

import (
	"github.com/twpayne/go-geom"
)

// Point is a WGS84 query coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within geographic bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Amenity is one unified row: a geometry tagged with exactly one category.
// Source and SourceID identify the originating layer feature.
type Amenity struct {
	Category string `json:"category"`
	Source   string `json:"source"`
	SourceID string `json:"source_id,omitempty"`
	Geometry geom.T `json:"-"`
}

// Nearest is the closest same-category amenity outside a query radius.
type Nearest struct {
	Category  string  `json:"category"`
	DistanceM float64 `json:"distance_m"`
	// Amenity carries the full unified row; its Geometry is WGS84.
	Amenity Amenity `json:"amenity"`
}
