package proximity

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/access-index/internal/crs"
)

// edgeTolerance absorbs floating point noise so that an amenity lying on
// the query circle counts as inside it.
const edgeTolerance = 1e-6

// Index is the unified amenity collection in a metric CRS with one R-tree
// per category. It is immutable after NewIndex and safe for concurrent use;
// rebuild a new Index and swap it in through a Holder to refresh data.
type Index struct {
	crs        crs.CRS
	categories []string
	amenities  []Amenity
	trees      map[string]*rtree.RTreeG[int]
	toMetric   *crs.Transformer
	toGeo      *crs.Transformer
	version    string
}

// NewIndex builds an index over amenities whose geometries are already in
// target. categories is the full catalog; counts are always reported for
// each of them. Nil and empty geometries are dropped.
func NewIndex(target crs.CRS, categories []string, amenities []Amenity) (*Index, error) {
	if !target.IsMetric() {
		return nil, eris.Errorf("proximity: index CRS %s is not metric", target)
	}
	toMetric, err := crs.NewTransformer(crs.Geographic, target)
	if err != nil {
		return nil, eris.Wrap(err, "proximity: query transformer")
	}
	toGeo, err := crs.NewTransformer(target, crs.Geographic)
	if err != nil {
		return nil, eris.Wrap(err, "proximity: display transformer")
	}

	cats := make([]string, len(categories))
	copy(cats, categories)
	sort.Strings(cats)

	idx := &Index{
		crs:        target,
		categories: cats,
		amenities:  make([]Amenity, 0, len(amenities)),
		trees:      make(map[string]*rtree.RTreeG[int]),
		toMetric:   toMetric,
		toGeo:      toGeo,
	}
	for _, a := range amenities {
		if a.Geometry == nil || a.Geometry.Empty() {
			continue
		}
		tree, ok := idx.trees[a.Category]
		if !ok {
			tree = &rtree.RTreeG[int]{}
			idx.trees[a.Category] = tree
		}
		min, max := envelope(a.Geometry)
		tree.Insert(min, max, len(idx.amenities))
		idx.amenities = append(idx.amenities, a)
	}
	return idx, nil
}

// Empty returns an index with no amenities. It answers every query with
// zero counts.
func Empty(target crs.CRS, categories []string) (*Index, error) {
	return NewIndex(target, categories, nil)
}

// WithVersion returns a copy of the index tagged with a source version,
// used as part of cache keys. The amenities and trees are shared.
func (idx *Index) WithVersion(v string) *Index {
	cp := *idx
	cp.version = v
	return &cp
}

// Version identifies the source snapshot the index was built from.
func (idx *Index) Version() string { return idx.version }

// CRS returns the metric system of the stored geometries.
func (idx *Index) CRS() crs.CRS { return idx.crs }

// Categories returns the catalog categories the index reports on.
func (idx *Index) Categories() []string {
	out := make([]string, len(idx.categories))
	copy(out, idx.categories)
	return out
}

// Len returns the number of indexed amenities.
func (idx *Index) Len() int { return len(idx.amenities) }

// Totals returns the number of indexed amenities per catalog category.
func (idx *Index) Totals() map[string]int {
	out := make(map[string]int, len(idx.categories))
	for _, c := range idx.categories {
		out[c] = 0
	}
	for c, tree := range idx.trees {
		out[c] = tree.Len()
	}
	return out
}

// project converts a WGS84 query point to index coordinates.
func (idx *Index) project(pt Point) geom.Coord {
	x, y := idx.toMetric.Coord(pt.Lon, pt.Lat)
	return geom.Coord{x, y}
}

// within visits every amenity of category whose distance to c is at most
// radius.
func (idx *Index) within(category string, c geom.Coord, radius float64, fn func(i int)) {
	tree, ok := idx.trees[category]
	if !ok || radius <= 0 {
		return
	}
	limit := radius + edgeTolerance
	min := [2]float64{c[0] - limit, c[1] - limit}
	max := [2]float64{c[0] + limit, c[1] + limit}
	tree.Search(min, max, func(_, _ [2]float64, i int) bool {
		if distanceTo(c, idx.amenities[i].Geometry) <= limit {
			fn(i)
		}
		return true
	})
}

// CountInRadius counts amenities per category whose geometry intersects the
// circle of radius meters around pt. Every catalog category is present in
// the result; a radius <= 0 yields all zeros.
func (idx *Index) CountInRadius(pt Point, radius float64) map[string]int {
	counts := make(map[string]int, len(idx.categories))
	c := idx.project(pt)
	for _, cat := range idx.categories {
		n := 0
		idx.within(cat, c, radius, func(int) { n++ })
		counts[cat] = n
	}
	return counts
}

// InRadius returns the amenities matched by CountInRadius with geometries
// reprojected to WGS84, ordered by category.
func (idx *Index) InRadius(pt Point, radius float64) ([]Amenity, error) {
	c := idx.project(pt)
	var hits []int
	for _, cat := range idx.categories {
		idx.within(cat, c, radius, func(i int) { hits = append(hits, i) })
	}

	out := make([]Amenity, 0, len(hits))
	for _, i := range hits {
		a, err := idx.geographic(idx.amenities[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// geographic returns a copy of a with its geometry in WGS84.
func (idx *Index) geographic(a Amenity) (Amenity, error) {
	g, err := idx.toGeo.Geometry(a.Geometry)
	if err != nil {
		return Amenity{}, eris.Wrapf(err, "proximity: reproject %s/%s", a.Source, a.SourceID)
	}
	a.Geometry = g
	return a, nil
}
