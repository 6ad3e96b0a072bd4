package layers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/crs"
)

// ShapefileDir serves layers stored as <dir>/<layer>.shp.
type ShapefileDir struct {
	dir string
	def crs.CRS
}

// NewShapefileDir returns a source over the shapefiles in dir.
func NewShapefileDir(dir string, def crs.CRS) (*ShapefileDir, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: stat %s", dir)
	}
	if !fi.IsDir() {
		return nil, eris.Errorf("shapefile: %s is not a directory", dir)
	}
	return &ShapefileDir{dir: dir, def: def}, nil
}

// Name implements Source.
func (s *ShapefileDir) Name() string { return "shapefile:" + s.dir }

// Close implements Source.
func (s *ShapefileDir) Close() error { return nil }

// Fingerprint hashes the name, size and modification time of every .shp
// and .prj file in the directory.
func (s *ShapefileDir) Fingerprint(_ context.Context) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", eris.Wrapf(err, "shapefile: read dir %s", s.dir)
	}
	var lines []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".shp" && ext != ".prj" {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return "", eris.Wrapf(err, "shapefile: stat %s", e.Name())
		}
		lines = append(lines, fmt.Sprintf("%s:%d:%d", e.Name(), fi.Size(), fi.ModTime().UnixNano()))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8]), nil
}

// Layers lists the shapefile basenames in the directory.
func (s *ShapefileDir) Layers(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.shp"))
	if err != nil {
		return nil, eris.Wrap(err, "shapefile: glob")
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), filepath.Ext(m)))
	}
	sort.Strings(out)
	return out, nil
}

// ReadLayer implements Source.
func (s *ShapefileDir) ReadLayer(ctx context.Context, id string) (*Layer, error) {
	if strings.ContainsAny(id, `/\`) || id == ".." {
		return nil, eris.Errorf("shapefile: invalid layer name %q", id)
	}
	shpPath := filepath.Join(s.dir, id+".shp")
	if _, err := os.Stat(shpPath); err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrLayerNotFound, "shapefile: %s", id)
		}
		return nil, eris.Wrapf(err, "shapefile: stat %s", shpPath)
	}

	layerCRS := s.layerCRS(id)

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	layer := &Layer{Name: id, CRS: layerCRS}
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "shapefile: read %s", id)
		}
		n, shape := reader.Shape()
		g := shapeToGeom(shape)
		if g == nil {
			layer.Skipped++
			continue
		}
		layer.Features = append(layer.Features, Feature{ID: strconv.Itoa(n), Geometry: g})
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", id)
	}

	if layer.Skipped > 0 {
		zap.L().Debug("shapefile: skipped records",
			zap.String("layer", id),
			zap.Int("skipped", layer.Skipped),
		)
	}
	return layer, nil
}

var (
	prjAuthority = regexp.MustCompile(`AUTHORITY\["EPSG",\s*"?(\d+)"?\]\]\s*$`)
	prjUTM       = regexp.MustCompile(`(?i)UTM[ _]zone[ _](\d{1,2})([NS])`)
)

// layerCRS reads the .prj sidecar. Missing or unrecognized projections
// fall back to the configured default.
func (s *ShapefileDir) layerCRS(id string) crs.CRS {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".prj"))
	if err != nil {
		return s.def
	}
	code := parsePRJ(string(data))
	c, ok := resolveCRS(code, s.def)
	if !ok {
		zap.L().Warn("shapefile: unrecognized projection, assuming default",
			zap.String("layer", id),
			zap.Stringer("default", s.def),
		)
	}
	return c
}

// parsePRJ extracts an EPSG code from ESRI or OGC WKT. It returns 0 when
// the projection is not one of the WGS84 systems handled by crs.
func parsePRJ(wkt string) int {
	wkt = strings.TrimSpace(wkt)
	if m := prjAuthority.FindStringSubmatch(wkt); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	if !strings.Contains(strings.ToUpper(wkt), "WGS_1984") && !strings.Contains(strings.ToUpper(wkt), "WGS 84") {
		return 0
	}
	if m := prjUTM.FindStringSubmatch(wkt); m != nil {
		zone, _ := strconv.Atoi(m[1])
		if strings.EqualFold(m[2], "S") {
			return crs.UTMSouth(zone).Code
		}
		return crs.UTMNorth(zone).Code
	}
	if strings.HasPrefix(strings.ToUpper(wkt), "GEOGCS") {
		return crs.WGS84
	}
	return 0
}

// shapeToGeom converts a go-shp shape to a go-geom geometry. Null and
// unsupported shapes yield nil.
func shapeToGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PointZ:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.PointM:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return multiLineString(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return multiLineString(s.Parts, s.Points)
	case *shp.PolyLineM:
		return multiLineString(s.Parts, s.Points)
	case *shp.Polygon:
		return multiPolygon(s.Parts, s.Points)
	case *shp.PolygonZ:
		return multiPolygon(s.Parts, s.Points)
	case *shp.PolygonM:
		return multiPolygon(s.Parts, s.Points)
	}
	return nil
}

func multiPoint(points []shp.Point) geom.T {
	if len(points) == 0 {
		return nil
	}
	flat := make([]float64, 0, len(points)*2)
	for _, p := range points {
		flat = append(flat, p.X, p.Y)
	}
	return geom.NewMultiPointFlat(geom.XY, flat)
}

// partRange returns the point index range of part i.
func partRange(parts []int32, n, i int) (int, int) {
	start := int(parts[i])
	end := n
	if i+1 < len(parts) {
		end = int(parts[i+1])
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	return start, end
}

func multiLineString(parts []int32, points []shp.Point) geom.T {
	if len(parts) == 0 || len(points) == 0 {
		return nil
	}
	var (
		flat []float64
		ends []int
	)
	for i := range parts {
		start, end := partRange(parts, len(points), i)
		if end-start < 2 {
			zap.L().Debug("shapefile: skipping degenerate linestring part", zap.Int("part", i))
			continue
		}
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}
		ends = append(ends, len(flat))
	}
	if len(ends) == 0 {
		return nil
	}
	return geom.NewMultiLineStringFlat(geom.XY, flat, ends)
}

// multiPolygon groups shapefile rings into polygons. Outer rings are
// clockwise; counter-clockwise rings are holes of the preceding outer ring.
func multiPolygon(parts []int32, points []shp.Point) geom.T {
	if len(parts) == 0 || len(points) == 0 {
		return nil
	}
	var (
		flat  []float64
		endss [][]int
	)
	for i := range parts {
		start, end := partRange(parts, len(points), i)
		ring := points[start:end]
		if len(ring) < 4 {
			zap.L().Debug("shapefile: skipping degenerate polygon ring", zap.Int("part", i))
			continue
		}
		hole := signedArea(ring) > 0
		if !hole || len(endss) == 0 {
			endss = append(endss, nil)
		}
		for _, p := range ring {
			flat = append(flat, p.X, p.Y)
		}
		last := len(endss) - 1
		endss[last] = append(endss[last], len(flat))
	}
	if len(endss) == 0 {
		return nil
	}
	return geom.NewMultiPolygonFlat(geom.XY, flat, endss)
}

// signedArea is positive for counter-clockwise rings.
func signedArea(ring []shp.Point) float64 {
	var a float64
	for i := 0; i+1 < len(ring); i++ {
		a += ring[i].X*ring[i+1].Y - ring[i+1].X*ring[i].Y
	}
	return a / 2
}
