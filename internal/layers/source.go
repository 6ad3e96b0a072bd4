// Package layers reads categorized amenity layers from GeoPackage,
// shapefile or PostGIS sources and unifies them into a proximity index.
package layers

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/db"
)

// ErrLayerNotFound is returned by ReadLayer when the source has no such layer.
var ErrLayerNotFound = eris.New("layers: layer not found")

// Driver names accepted by Open.
const (
	DriverGeoPackage = "gpkg"
	DriverShapefile  = "shapefile"
	DriverPostGIS    = "postgis"
)

// Feature is one geometry read from a layer; every other attribute is
// discarded at read time.
type Feature struct {
	ID       string
	Geometry geom.T
}

// Layer is the content of one source layer in its native CRS.
type Layer struct {
	Name     string
	CRS      crs.CRS
	Features []Feature
	// Skipped counts records that had no usable geometry.
	Skipped int
}

// Source provides layers by identifier.
type Source interface {
	// Name identifies the source in logs and cache keys.
	Name() string
	// Fingerprint changes whenever the underlying data changes.
	Fingerprint(ctx context.Context) (string, error)
	// ReadLayer loads one layer. Missing layers yield ErrLayerNotFound.
	ReadLayer(ctx context.Context, id string) (*Layer, error)
	Close() error
}

// Lister is implemented by sources that can enumerate their layers.
type Lister interface {
	Layers(ctx context.Context) ([]string, error)
}

// Options selects and configures a Source.
type Options struct {
	Driver      string
	Path        string
	DatabaseURL string
	Schema      string
	// DefaultCRS applies to layers that do not declare a usable CRS.
	DefaultCRS crs.CRS
	Pool       *db.PoolConfig
}

// Open builds the Source described by opts.
func Open(ctx context.Context, opts Options) (Source, error) {
	if opts.DefaultCRS.Code == 0 {
		opts.DefaultCRS = crs.Geographic
	}
	switch strings.ToLower(opts.Driver) {
	case DriverGeoPackage, "geopackage":
		return OpenGeoPackage(opts.Path, opts.DefaultCRS)
	case DriverShapefile, "shp":
		return NewShapefileDir(opts.Path, opts.DefaultCRS)
	case DriverPostGIS, "postgres":
		if _, err := schemaName(opts.Schema); err != nil {
			return nil, err
		}
		pool, err := db.Open(ctx, opts.DatabaseURL, opts.Pool)
		if err != nil {
			return nil, eris.Wrap(err, "layers: open postgis")
		}
		src, err := NewPostGIS(pool, opts.Schema, opts.DefaultCRS)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return src, nil
	}
	return nil, eris.Errorf("layers: unknown driver %q", opts.Driver)
}

// resolveCRS maps a declared EPSG code to a supported CRS, falling back to
// def when the code is missing or unsupported.
func resolveCRS(code int, def crs.CRS) (crs.CRS, bool) {
	c := crs.CRS{Code: code}
	if code > 0 && c.Supported() {
		return c, true
	}
	return def, false
}
