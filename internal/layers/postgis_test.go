package layers

import (
	"context"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/sells-group/access-index/internal/crs"
)

func newMockPostGIS(t *testing.T) (*PostGIS, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	src, err := NewPostGIS(mock, "amenidades", crs.Geographic)
	require.NoError(t, err)
	return src, mock
}

func TestPostGIS_ReadLayer(t *testing.T) {
	src, mock := newMockPostGIS(t)

	data, err := wkb.Marshal(geom.NewPointFlat(geom.XY, []float64{346000, 6298000}), wkb.NDR)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT f_geometry_column, srid FROM geometry_columns`).
		WithArgs("amenidades", "supermercados").
		WillReturnRows(pgxmock.NewRows([]string{"f_geometry_column", "srid"}).AddRow("geom", 32719))
	mock.ExpectQuery(`SELECT ctid::text, ST_AsBinary\("geom"\) FROM "amenidades"\."supermercados"`).
		WillReturnRows(pgxmock.NewRows([]string{"ctid", "st_asbinary"}).
			AddRow("(0,1)", data).
			AddRow("(0,2)", []byte{0xff}))

	layer, err := src.ReadLayer(context.Background(), "supermercados")
	require.NoError(t, err)
	assert.Equal(t, 32719, layer.CRS.Code)
	require.Len(t, layer.Features, 1)
	assert.Equal(t, "(0,1)", layer.Features[0].ID)
	assert.Equal(t, 1, layer.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_ReadLayer_UnknownSRID(t *testing.T) {
	src, mock := newMockPostGIS(t)

	mock.ExpectQuery(`SELECT f_geometry_column, srid FROM geometry_columns`).
		WithArgs("amenidades", "bancos").
		WillReturnRows(pgxmock.NewRows([]string{"f_geometry_column", "srid"}).AddRow("the_geom", 0))
	mock.ExpectQuery(`ST_AsBinary\("the_geom"\)`).
		WillReturnRows(pgxmock.NewRows([]string{"ctid", "st_asbinary"}))

	layer, err := src.ReadLayer(context.Background(), "bancos")
	require.NoError(t, err)
	assert.Equal(t, crs.Geographic, layer.CRS)
	assert.Empty(t, layer.Features)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_ReadLayer_NotFound(t *testing.T) {
	src, mock := newMockPostGIS(t)

	mock.ExpectQuery(`SELECT f_geometry_column, srid FROM geometry_columns`).
		WithArgs("amenidades", "museos").
		WillReturnRows(pgxmock.NewRows([]string{"f_geometry_column", "srid"}))

	_, err := src.ReadLayer(context.Background(), "museos")
	assert.ErrorIs(t, err, ErrLayerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_ReadLayer_InvalidName(t *testing.T) {
	src, mock := newMockPostGIS(t)

	_, err := src.ReadLayer(context.Background(), "salud; DROP TABLE x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_ReadLayer_QueryError(t *testing.T) {
	src, mock := newMockPostGIS(t)

	mock.ExpectQuery(`SELECT f_geometry_column, srid FROM geometry_columns`).
		WithArgs("amenidades", "salud").
		WillReturnRows(pgxmock.NewRows([]string{"f_geometry_column", "srid"}).AddRow("geom", 4326))
	mock.ExpectQuery(`ST_AsBinary`).WillReturnError(fmt.Errorf("relation does not exist"))

	_, err := src.ReadLayer(context.Background(), "salud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgis: read amenidades.salud")
}

func TestPostGIS_Fingerprint(t *testing.T) {
	src, mock := newMockPostGIS(t)

	mock.ExpectQuery(`FROM pg_stat_user_tables`).
		WithArgs("amenidades").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(42)))

	fp, err := src.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", fp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGIS_Layers(t *testing.T) {
	src, mock := newMockPostGIS(t)

	mock.ExpectQuery(`SELECT f_table_name FROM geometry_columns`).
		WithArgs("amenidades").
		WillReturnRows(pgxmock.NewRows([]string{"f_table_name"}).AddRow("bancos").AddRow("salud"))

	names, err := src.Layers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bancos", "salud"}, names)
}

func TestNewPostGIS_Schema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	src, err := NewPostGIS(mock, "", crs.Geographic)
	require.NoError(t, err)
	assert.Equal(t, "postgis:public", src.Name())

	_, err = NewPostGIS(mock, "bad-schema", crs.Geographic)
	require.Error(t, err)
}

func TestOpen_PostGISRejectsSchemaBeforeConnecting(t *testing.T) {
	// Nothing listens on the URL; the schema must fail first.
	_, err := Open(context.Background(), Options{
		Driver:      DriverPostGIS,
		DatabaseURL: "postgres://access@127.0.0.1:1/access?connect_timeout=1",
		Schema:      "bad-schema",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema name")
	assert.NotContains(t, err.Error(), "open postgis")
}
