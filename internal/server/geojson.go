package server

import (
	"sort"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/access-index/internal/proximity"
)

func amenityFeature(a proximity.Amenity, extra map[string]any) *geojson.Feature {
	props := map[string]any{
		"category": a.Category,
		"source":   a.Source,
	}
	if a.SourceID != "" {
		props["source_id"] = a.SourceID
	}
	for k, v := range extra {
		props[k] = v
	}
	id := a.Source
	if a.SourceID != "" {
		id += ":" + a.SourceID
	}
	return &geojson.Feature{ID: id, Geometry: a.Geometry, Properties: props}
}

// nearestFeatures renders nearest records as a collection sorted by
// category.
func nearestFeatures(nearest map[string]proximity.Nearest) *geojson.FeatureCollection {
	keys := make([]string, 0, len(nearest))
	for k := range nearest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(keys))}
	for _, k := range keys {
		n := nearest[k]
		fc.Features = append(fc.Features, amenityFeature(n.Amenity, map[string]any{
			"distance_m": n.DistanceM,
		}))
	}
	return fc
}
