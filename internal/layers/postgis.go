package layers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/db"
)

// DefaultSchema holds amenity tables when no schema is configured.
const DefaultSchema = "public"

// validIdent restricts schema and layer names that are interpolated into
// SQL. Anything else is rejected before a query is built.
var validIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostGIS reads layers stored as tables of a PostgreSQL schema.
type PostGIS struct {
	pool   db.Pool
	schema string
	def    crs.CRS
}

// NewPostGIS returns a source reading tables in schema through pool.
func NewPostGIS(pool db.Pool, schema string, def crs.CRS) (*PostGIS, error) {
	schema, err := schemaName(schema)
	if err != nil {
		return nil, err
	}
	return &PostGIS{pool: pool, schema: schema, def: def}, nil
}

// schemaName applies the default schema and checks the identifier.
func schemaName(schema string) (string, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if !validIdent.MatchString(schema) {
		return "", eris.Errorf("postgis: invalid schema name %q", schema)
	}
	return schema, nil
}

// Name implements Source.
func (p *PostGIS) Name() string { return "postgis:" + p.schema }

// Close releases the pool.
func (p *PostGIS) Close() error {
	p.pool.Close()
	return nil
}

// Fingerprint sums the tuple modification counters of the schema's tables.
func (p *PostGIS) Fingerprint(ctx context.Context) (string, error) {
	var changes int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(n_tup_ins + n_tup_upd + n_tup_del), 0)::bigint
		FROM pg_stat_user_tables
		WHERE schemaname = $1`, p.schema,
	).Scan(&changes)
	if err != nil {
		return "", eris.Wrap(err, "postgis: fingerprint")
	}
	return strconv.FormatInt(changes, 10), nil
}

// Layers lists the tables registered in geometry_columns for the schema.
func (p *PostGIS) Layers(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT f_table_name FROM geometry_columns
		WHERE f_table_schema = $1
		ORDER BY f_table_name`, p.schema,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgis: list layers")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgis: scan layer name")
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgis: iterate layers")
	}
	return out, nil
}

// ReadLayer implements Source.
func (p *PostGIS) ReadLayer(ctx context.Context, id string) (*Layer, error) {
	if !validIdent.MatchString(id) {
		return nil, eris.Errorf("postgis: invalid table name %q", id)
	}

	var (
		column string
		srid   int
	)
	err := p.pool.QueryRow(ctx, `
		SELECT f_geometry_column, srid FROM geometry_columns
		WHERE f_table_schema = $1 AND f_table_name = $2
		LIMIT 1`, p.schema, id,
	).Scan(&column, &srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrLayerNotFound, "postgis: %s.%s", p.schema, id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgis: describe %s.%s", p.schema, id)
	}

	layerCRS, ok := resolveCRS(srid, p.def)
	if !ok {
		zap.L().Warn("postgis: layer SRID not supported, assuming default",
			zap.String("layer", id),
			zap.Int("srid", srid),
			zap.Stringer("default", p.def),
		)
	}

	geomCol := pgx.Identifier{column}.Sanitize()
	sql := fmt.Sprintf(
		`SELECT ctid::text, ST_AsBinary(%s) FROM %s WHERE %s IS NOT NULL AND NOT ST_IsEmpty(%s)`,
		geomCol, pgx.Identifier{p.schema, id}.Sanitize(), geomCol, geomCol,
	)
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrapf(err, "postgis: read %s.%s", p.schema, id)
	}
	defer rows.Close()

	layer := &Layer{Name: id, CRS: layerCRS}
	for rows.Next() {
		var (
			rowID string
			data  []byte
		)
		if err := rows.Scan(&rowID, &data); err != nil {
			return nil, eris.Wrapf(err, "postgis: scan %s.%s", p.schema, id)
		}
		g, err := wkb.Unmarshal(data)
		if err != nil || g.Empty() {
			layer.Skipped++
			continue
		}
		layer.Features = append(layer.Features, Feature{ID: rowID, Geometry: g})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgis: iterate %s.%s", p.schema, id)
	}
	return layer, nil
}
