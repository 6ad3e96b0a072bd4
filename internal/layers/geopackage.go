package layers

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/access-index/internal/crs"
)

// GeoPackage reads feature tables from an OGC GeoPackage file.
type GeoPackage struct {
	path string
	db   *sql.DB
	def  crs.CRS
}

// OpenGeoPackage opens an existing GeoPackage read-only.
func OpenGeoPackage(path string, def crs.CRS) (*GeoPackage, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "gpkg: stat %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: open")
	}
	for _, pragma := range []string{
		"PRAGMA query_only=1",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "gpkg: exec %s", pragma)
		}
	}
	return &GeoPackage{path: path, db: db, def: def}, nil
}

// Name implements Source.
func (g *GeoPackage) Name() string { return "gpkg:" + g.path }

// Fingerprint is derived from the file size and modification time.
func (g *GeoPackage) Fingerprint(_ context.Context) (string, error) {
	fi, err := os.Stat(g.path)
	if err != nil {
		return "", eris.Wrapf(err, "gpkg: stat %s", g.path)
	}
	return fmt.Sprintf("%d-%d", fi.Size(), fi.ModTime().UnixNano()), nil
}

// Close releases the database handle.
func (g *GeoPackage) Close() error {
	return g.db.Close()
}

// Layers lists the feature tables registered in gpkg_geometry_columns.
func (g *GeoPackage) Layers(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT table_name FROM gpkg_geometry_columns ORDER BY table_name`)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: list layers")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "gpkg: scan layer name")
		}
		out = append(out, name)
	}
	return out, eris.Wrap(rows.Err(), "gpkg: iterate layers")
}

type gpkgColumn struct {
	table  string
	column string
	org    string
	orgID  int
	srsID  int
}

func (g *GeoPackage) lookup(ctx context.Context, id string) (*gpkgColumn, error) {
	var c gpkgColumn
	err := g.db.QueryRowContext(ctx, `
		SELECT gc.table_name, gc.column_name,
		       COALESCE(s.organization, ''), COALESCE(s.organization_coordsys_id, 0), gc.srs_id
		FROM gpkg_geometry_columns gc
		LEFT JOIN gpkg_spatial_ref_sys s ON s.srs_id = gc.srs_id
		WHERE lower(gc.table_name) = lower(?)`, id,
	).Scan(&c.table, &c.column, &c.org, &c.orgID, &c.srsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrLayerNotFound, "gpkg: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: describe %s", id)
	}
	return &c, nil
}

// ReadLayer implements Source.
func (g *GeoPackage) ReadLayer(ctx context.Context, id string) (*Layer, error) {
	col, err := g.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	code := col.srsID
	if strings.EqualFold(col.org, "EPSG") && col.orgID > 0 {
		code = col.orgID
	}
	layerCRS, ok := resolveCRS(code, g.def)
	if !ok {
		zap.L().Warn("gpkg: layer CRS not supported, assuming default",
			zap.String("layer", col.table),
			zap.Int("srs_id", code),
			zap.Stringer("default", g.def),
		)
	}

	q := fmt.Sprintf(`SELECT rowid, %s FROM %s`, quoteIdent(col.column), quoteIdent(col.table))
	rows, err := g.db.QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: read %s", col.table)
	}
	defer rows.Close()

	layer := &Layer{Name: col.table, CRS: layerCRS}
	for rows.Next() {
		var (
			rowid int64
			blob  []byte
		)
		if err := rows.Scan(&rowid, &blob); err != nil {
			return nil, eris.Wrapf(err, "gpkg: scan %s", col.table)
		}
		geometry, err := decodeGeoPackageBinary(blob)
		if err != nil || geometry == nil {
			layer.Skipped++
			continue
		}
		layer.Features = append(layer.Features, Feature{
			ID:       strconv.FormatInt(rowid, 10),
			Geometry: geometry,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "gpkg: iterate %s", col.table)
	}
	return layer, nil
}

// Envelope sizes indexed by the header's envelope contents indicator.
var gpkgEnvelopeSize = map[byte]int{0: 0, 1: 32, 2: 48, 3: 48, 4: 64}

// decodeGeoPackageBinary parses a GeoPackageBinary blob. Empty geometries
// decode to nil.
func decodeGeoPackageBinary(b []byte) (geom.T, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, eris.New("gpkg: missing GP magic")
	}
	flags := b[3]
	if flags&0x20 != 0 {
		return nil, eris.New("gpkg: extended geometry types are not supported")
	}
	envSize, ok := gpkgEnvelopeSize[(flags>>1)&0x07]
	if !ok {
		return nil, eris.Errorf("gpkg: invalid envelope indicator in flags %#x", flags)
	}
	if flags&0x10 != 0 {
		return nil, nil
	}
	start := 8 + envSize
	if len(b) <= start {
		return nil, eris.New("gpkg: truncated geometry")
	}

	g, err := wkb.Unmarshal(b[start:])
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: decode wkb")
	}
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 != 0 {
		order = binary.LittleEndian
	}
	if srid := int32(order.Uint32(b[4:8])); srid > 0 {
		g, err = withSRID(g, int(srid))
		if err != nil {
			return nil, err
		}
	}
	if g.Empty() {
		return nil, nil
	}
	return g, nil
}

func withSRID(g geom.T, srid int) (geom.T, error) {
	switch v := g.(type) {
	case *geom.Point:
		return v.SetSRID(srid), nil
	case *geom.MultiPoint:
		return v.SetSRID(srid), nil
	case *geom.LineString:
		return v.SetSRID(srid), nil
	case *geom.MultiLineString:
		return v.SetSRID(srid), nil
	case *geom.Polygon:
		return v.SetSRID(srid), nil
	case *geom.MultiPolygon:
		return v.SetSRID(srid), nil
	}
	return nil, eris.Errorf("gpkg: unsupported geometry type %T", g)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
