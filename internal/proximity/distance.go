package proximity

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// distanceTo returns the planar distance from c to g, 0 when c lies inside
// a polygon. It matches the GEOS point distance used by GeoPandas.
func distanceTo(c geom.Coord, g geom.T) float64 {
	switch v := g.(type) {
	case *geom.Point:
		return xy.Distance(c, v.Coords())
	case *geom.MultiPoint:
		return minVertexDistance(c, v.FlatCoords(), v.Stride())
	case *geom.LineString:
		return lineDistance(c, v.FlatCoords(), v.Stride())
	case *geom.MultiLineString:
		best := math.Inf(1)
		for i := 0; i < v.NumLineStrings(); i++ {
			ls := v.LineString(i)
			best = math.Min(best, lineDistance(c, ls.FlatCoords(), ls.Stride()))
		}
		return best
	case *geom.Polygon:
		return polygonDistance(c, v)
	case *geom.MultiPolygon:
		best := math.Inf(1)
		for i := 0; i < v.NumPolygons(); i++ {
			best = math.Min(best, polygonDistance(c, v.Polygon(i)))
			if best == 0 {
				return 0
			}
		}
		return best
	}
	return math.Inf(1)
}

func minVertexDistance(c geom.Coord, flat []float64, stride int) float64 {
	best := math.Inf(1)
	for i := 0; i+1 < len(flat); i += stride {
		best = math.Min(best, math.Hypot(flat[i]-c[0], flat[i+1]-c[1]))
	}
	return best
}

func lineDistance(c geom.Coord, flat []float64, stride int) float64 {
	n := len(flat) / stride
	switch n {
	case 0:
		return math.Inf(1)
	case 1:
		return math.Hypot(flat[0]-c[0], flat[1]-c[1])
	}
	best := math.Inf(1)
	for i := 0; i < n-1; i++ {
		a := geom.Coord{flat[i*stride], flat[i*stride+1]}
		b := geom.Coord{flat[(i+1)*stride], flat[(i+1)*stride+1]}
		best = math.Min(best, xy.DistanceFromPointToLine(c, a, b))
	}
	return best
}

func polygonDistance(c geom.Coord, p *geom.Polygon) float64 {
	if p.NumLinearRings() == 0 {
		return math.Inf(1)
	}
	inside := xy.IsPointInRing(p.Layout(), c, p.LinearRing(0).FlatCoords())
	for i := 1; inside && i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(p.Layout(), c, p.LinearRing(i).FlatCoords()) {
			inside = false
		}
	}
	if inside {
		return 0
	}
	best := math.Inf(1)
	for i := 0; i < p.NumLinearRings(); i++ {
		r := p.LinearRing(i)
		best = math.Min(best, lineDistance(c, r.FlatCoords(), r.Stride()))
	}
	return best
}

// envelope returns the 2D bounding box of g.
func envelope(g geom.T) (min, max [2]float64) {
	b := g.Bounds()
	return [2]float64{b.Min(0), b.Min(1)}, [2]float64{b.Max(0), b.Max(1)}
}

// boxDistance is the distance from c to the nearest point of a rectangle.
func boxDistance(c geom.Coord, min, max [2]float64) float64 {
	dx := math.Max(0, math.Max(min[0]-c[0], c[0]-max[0]))
	dy := math.Max(0, math.Max(min[1]-c[1], c[1]-max[1]))
	return math.Hypot(dx, dy)
}
