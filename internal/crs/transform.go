package crs

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/wroge/wgs84"
)

// Transformer converts coordinates from one CRS to another. It holds no
// mutable state and is safe for concurrent use.
type Transformer struct {
	from CRS
	to   CRS
	fn   func(a, b, c float64) (float64, float64, float64)
}

// NewTransformer returns a Transformer between two supported systems.
func NewTransformer(from, to CRS) (*Transformer, error) {
	if !from.Supported() {
		return nil, eris.Errorf("crs: unsupported source %s", from)
	}
	if !to.Supported() {
		return nil, eris.Errorf("crs: unsupported target %s", to)
	}
	t := &Transformer{from: from, to: to}
	if from == to {
		return t, nil
	}
	fn, err := wgs84.EPSG().SafeTransform(from.Code, to.Code)
	if err != nil {
		return nil, eris.Wrapf(err, "crs: transform %s to %s", from, to)
	}
	t.fn = fn
	return t, nil
}

// From returns the source CRS.
func (t *Transformer) From() CRS { return t.from }

// To returns the target CRS.
func (t *Transformer) To() CRS { return t.to }

// Identity reports whether the transform is a no-op.
func (t *Transformer) Identity() bool { return t.from == t.to }

// Coord transforms one x/y pair. Geographic pairs are lon/lat.
func (t *Transformer) Coord(x, y float64) (float64, float64) {
	if t.Identity() {
		return x, y
	}
	x2, y2, _ := t.fn(x, y, 0)
	return x2, y2
}

// Geometry returns a transformed copy of g with its SRID set to the target
// code. Only the XY ordinates are transformed; extra dimensions are kept.
func (t *Transformer) Geometry(g geom.T) (geom.T, error) {
	if g == nil {
		return nil, eris.New("crs: nil geometry")
	}
	stride := g.Stride()
	src := g.FlatCoords()
	flat := make([]float64, len(src))
	copy(flat, src)
	for i := 0; i+1 < len(flat); i += stride {
		flat[i], flat[i+1] = t.Coord(flat[i], flat[i+1])
	}

	layout := g.Layout()
	switch v := g.(type) {
	case *geom.Point:
		if v.Empty() {
			return geom.NewPointEmpty(layout).SetSRID(t.to.Code), nil
		}
		return geom.NewPointFlat(layout, flat).SetSRID(t.to.Code), nil
	case *geom.MultiPoint:
		return geom.NewMultiPointFlat(layout, flat).SetSRID(t.to.Code), nil
	case *geom.LineString:
		return geom.NewLineStringFlat(layout, flat).SetSRID(t.to.Code), nil
	case *geom.MultiLineString:
		return geom.NewMultiLineStringFlat(layout, flat, v.Ends()).SetSRID(t.to.Code), nil
	case *geom.Polygon:
		return geom.NewPolygonFlat(layout, flat, v.Ends()).SetSRID(t.to.Code), nil
	case *geom.MultiPolygon:
		return geom.NewMultiPolygonFlat(layout, flat, v.Endss()).SetSRID(t.to.Code), nil
	default:
		return nil, eris.Errorf("crs: unsupported geometry type %T", g)
	}
}
