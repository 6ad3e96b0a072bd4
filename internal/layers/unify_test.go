package layers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/proximity"
)

// memSource serves layers from memory.
type memSource struct {
	mu      sync.Mutex
	version string
	layers  map[string]*Layer
	errs    map[string]error
	reads   atomic.Int32
}

func (m *memSource) Name() string { return "mem" }
func (m *memSource) Close() error { return nil }

func (m *memSource) Fingerprint(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version == "" {
		return "", errors.New("no version")
	}
	return m.version, nil
}

func (m *memSource) setVersion(v string) {
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
}

func (m *memSource) ReadLayer(ctx context.Context, id string) (*Layer, error) {
	m.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := m.errs[id]; ok {
		return nil, err
	}
	l, ok := m.layers[id]
	if !ok {
		return nil, ErrLayerNotFound
	}
	return l, nil
}

var plaza = proximity.Point{Lat: -33.4378, Lon: -70.6505}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Definition{
		CRS: "EPSG:32719",
		Categories: map[string]string{
			"salud":         "establecimientos_salud",
			"supermercados": "supermercados",
			"bancos":        "bancos",
			"museos":        "museos",
		},
		Profiles: map[string]catalog.ProfileDef{
			"base": {Weights: map[string]float64{"salud": 2}},
		},
	})
	require.NoError(t, err)
	return c
}

func geoPoint(lon, lat float64) geom.T {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(crs.WGS84)
}

func newMemSource() *memSource {
	utm := crs.MustParse("EPSG:32719")
	return &memSource{
		version: "v1",
		layers: map[string]*Layer{
			"establecimientos_salud": {
				Name: "establecimientos_salud",
				CRS:  crs.Geographic,
				Features: []Feature{
					{ID: "a", Geometry: geoPoint(plaza.Lon, plaza.Lat)},
					{ID: "b", Geometry: geoPoint(plaza.Lon+0.001, plaza.Lat)},
					{ID: "empty", Geometry: geom.NewPointEmpty(geom.XY)},
				},
			},
			"supermercados": {
				Name: "supermercados",
				CRS:  utm,
				Features: []Feature{
					{ID: "utm", Geometry: geom.NewPointFlat(geom.XY, []float64{346000, 6298000})},
				},
			},
		},
		errs: map[string]error{"bancos": errors.New("permission denied")},
	}
}

func TestUnify_BestEffort(t *testing.T) {
	src := newMemSource()
	res, err := Unify(context.Background(), src, testCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, "v1", res.Version)
	assert.Equal(t, "v1", res.Index.Version())
	require.Len(t, res.Loaded, 2)
	assert.Equal(t, "salud", res.Loaded[0].Category)
	assert.Equal(t, 2, res.Loaded[0].Features)
	assert.Equal(t, 1, res.Loaded[0].Dropped)

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "bancos", res.Skipped[0].Category)
	assert.Contains(t, res.Skipped[0].Error, "permission denied")
	assert.Equal(t, "museos", res.Skipped[1].Category)
	assert.Contains(t, res.Skipped[1].Error, "layer not found")

	assert.Equal(t, 3, res.Index.Len())
	assert.Equal(t, crs.MustParse("EPSG:32719"), res.Index.CRS())
}

func TestUnify_ReprojectsToCatalogCRS(t *testing.T) {
	res, err := Unify(context.Background(), newMemSource(), testCatalog(t))
	require.NoError(t, err)

	counts := res.Index.CountInRadius(plaza, 1)
	assert.Equal(t, 1, counts["salud"])
	// About 93 m east at this latitude.
	counts = res.Index.CountInRadius(plaza, 100)
	assert.Equal(t, 2, counts["salud"])
	assert.Len(t, counts, 4)
}

func TestUnify_NothingLoads(t *testing.T) {
	src := &memSource{version: "v0"}
	res, err := Unify(context.Background(), src, testCatalog(t))
	require.NoError(t, err)
	assert.Empty(t, res.Loaded)
	assert.Len(t, res.Skipped, 4)
	assert.Equal(t, 0, res.Index.Len())
	assert.Equal(t, map[string]int{"bancos": 0, "museos": 0, "salud": 0, "supermercados": 0},
		res.Index.CountInRadius(plaza, 1000))
}

func TestUnify_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unify(ctx, newMemSource(), testCatalog(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoader_CachesByFingerprint(t *testing.T) {
	src := newMemSource()
	loader, err := NewLoader(src, testCatalog(t), 2)
	require.NoError(t, err)
	ctx := context.Background()

	first, cached, err := loader.Load(ctx)
	require.NoError(t, err)
	assert.False(t, cached)
	reads := src.reads.Load()

	again, cached, err := loader.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Same(t, first, again)
	assert.Equal(t, reads, src.reads.Load())

	src.setVersion("v2")
	fresh, cached, err := loader.Load(ctx)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "v2", fresh.Version)
	assert.Same(t, fresh, loader.Last())
}

func TestLoader_NoFingerprintNeverCached(t *testing.T) {
	src := newMemSource()
	src.setVersion("")
	loader, err := NewLoader(src, testCatalog(t), 0)
	require.NoError(t, err)

	_, cached, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	_, cached, err = loader.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestLoader_Refresh(t *testing.T) {
	src := newMemSource()
	cat := testCatalog(t)
	loader, err := NewLoader(src, cat, 2)
	require.NoError(t, err)

	empty, err := proximity.Empty(cat.CRS(), cat.Categories())
	require.NoError(t, err)
	h := proximity.NewHolder(empty)
	ctx := context.Background()

	_, swapped, err := loader.Refresh(ctx, h)
	require.NoError(t, err)
	assert.True(t, swapped)
	assert.Equal(t, 3, h.Load().Len())

	_, swapped, err = loader.Refresh(ctx, h)
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestLoader_WatchStopsOnCancel(t *testing.T) {
	src := newMemSource()
	cat := testCatalog(t)
	loader, err := NewLoader(src, cat, 2)
	require.NoError(t, err)
	empty, err := proximity.Empty(cat.CRS(), cat.Categories())
	require.NoError(t, err)
	h := proximity.NewHolder(empty)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loader.Watch(ctx, h, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return h.Load().Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after context cancellation")
	}
}
