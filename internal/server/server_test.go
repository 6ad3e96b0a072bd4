package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/layers"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/scoring"
)

var plaza = proximity.Point{Lat: -33.4378, Lon: -70.6505}

// staticSource serves fixed layers with a settable fingerprint.
type staticSource struct {
	mu      sync.Mutex
	version string
	layers  map[string]*layers.Layer
}

func (s *staticSource) Name() string { return "static" }
func (s *staticSource) Close() error { return nil }

func (s *staticSource) Fingerprint(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

func (s *staticSource) ReadLayer(_ context.Context, id string) (*layers.Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[id]
	if !ok {
		return nil, layers.ErrLayerNotFound
	}
	return l, nil
}

func (s *staticSource) set(version, id string, l *layers.Layer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.layers[id] = l
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(catalog.Definition{
		CRS: "EPSG:32719",
		Categories: map[string]string{
			"salud":         "establecimientos_salud",
			"supermercados": "osm_supermercados",
			"museos":        "osm_museos",
		},
		Targets: map[string]catalog.Target{"salud": {Meta: 2, Desc: "Consultorios"}},
		Profiles: map[string]catalog.ProfileDef{
			"adulto_mayor": {Weights: map[string]float64{"salud": 5}},
		},
	})
	require.NoError(t, err)
	return c
}

// utmPoint returns a point dx, dy meters from the plaza in EPSG:32719.
func utmPoint(t *testing.T, dx, dy float64) geom.T {
	t.Helper()
	tr, err := crs.NewTransformer(crs.Geographic, crs.MustParse("EPSG:32719"))
	require.NoError(t, err)
	x, y := tr.Coord(plaza.Lon, plaza.Lat)
	return geom.NewPointFlat(geom.XY, []float64{x + dx, y + dy})
}

func utmLayer(t *testing.T, name string, offsets ...[2]float64) *layers.Layer {
	t.Helper()
	l := &layers.Layer{Name: name, CRS: crs.MustParse("EPSG:32719")}
	for i, o := range offsets {
		l.Features = append(l.Features, layers.Feature{ID: string(rune('a' + i)), Geometry: utmPoint(t, o[0], o[1])})
	}
	return l
}

type fixture struct {
	src    *staticSource
	holder *proximity.Holder
	srv    *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cat := testCatalog(t)
	src := &staticSource{
		version: "v1",
		layers: map[string]*layers.Layer{
			"establecimientos_salud": utmLayer(t, "establecimientos_salud", [2]float64{100, 0}, [2]float64{0, 300}, [2]float64{0, -900}),
			"osm_supermercados":      utmLayer(t, "osm_supermercados", [2]float64{0, 1400}),
		},
	}
	loader, err := layers.NewLoader(src, cat, 2)
	require.NoError(t, err)

	empty, err := proximity.Empty(cat.CRS(), cat.Categories())
	require.NoError(t, err)
	holder := proximity.NewHolder(empty)
	_, _, err = loader.Refresh(context.Background(), holder)
	require.NoError(t, err)

	srv, err := New(scoring.NewScorer(cat, holder, 0), holder, loader, opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{src: src, holder: holder, srv: srv, http: ts}
}

func (f *fixture) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})

	var body healthResponse
	resp := f.get(t, "/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "v1", body.Version)
	assert.Equal(t, 4, body.Amenities)
	assert.Equal(t, []string{"museos"}, body.Skipped)
	assert.Equal(t, map[string]int{"museos": 0, "salud": 3, "supermercados": 1}, body.Totals)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t, Options{})

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(requestIDHeader))
}

func TestCategoriesAndProfiles(t *testing.T) {
	f := newFixture(t, Options{})

	var cats struct {
		Categories []categoryResponse `json:"categories"`
	}
	f.get(t, "/v1/categories", &cats)
	require.Len(t, cats.Categories, 3)
	assert.Equal(t, categoryResponse{Key: "salud", Layer: "establecimientos_salud", Target: 2, Desc: "Consultorios", Count: 3}, cats.Categories[1])

	var profiles struct {
		Profiles []catalog.Profile `json:"profiles"`
	}
	f.get(t, "/v1/profiles", &profiles)
	require.Len(t, profiles.Profiles, 1)
	assert.Equal(t, "adulto_mayor", profiles.Profiles[0].Key)
}

type scoreBody struct {
	Score   *scoring.Result `json:"score"`
	Nearest struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
			Geometry   struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	} `json:"nearest"`
	Version string `json:"version"`
	Cached  bool   `json:"cached"`
}

func TestScore(t *testing.T) {
	f := newFixture(t, Options{})

	var body scoreBody
	resp := f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=adulto_mayor", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, body.Cached)
	assert.Equal(t, "v1", body.Version)

	require.NotNil(t, body.Score)
	assert.Equal(t, 1000.0, body.Score.RadiusM)
	assert.Equal(t, scoring.Detail{Count: 3, ScoreNorm: 1, Weight: 5, Contribution: 5}, body.Score.Details["salud"])
	assert.Equal(t, 0, body.Score.Details["supermercados"].Count)
	// 5 / (5 + 1 + 1)
	assert.Equal(t, 71.4, body.Score.Index)

	require.Len(t, body.Nearest.Features, 1)
	props := body.Nearest.Features[0].Properties
	assert.Equal(t, "supermercados", props["category"])
	assert.InDelta(t, 1400, props["distance_m"].(float64), 1e-6)
	assert.Equal(t, "Point", body.Nearest.Features[0].Geometry.Type)
	assert.InDelta(t, plaza.Lon, body.Nearest.Features[0].Geometry.Coordinates[0], 0.01)

	var again scoreBody
	f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=Adulto%20Mayor", &again)
	assert.True(t, again.Cached)
	assert.Equal(t, body.Score.Index, again.Score.Index)
}

func TestScore_CacheKeyFullPrecision(t *testing.T) {
	f := newFixture(t, Options{})

	var first scoreBody
	f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=adulto_mayor", &first)
	assert.False(t, first.Cached)

	// Same point at six decimals, distinct at full precision.
	var near scoreBody
	resp := f.get(t, "/v1/score?lat=-33.43780004&lon=-70.65050004&profile=adulto_mayor", &near)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, near.Cached)
	assert.Equal(t, -33.43780004, near.Score.Lat)
	assert.Equal(t, -70.65050004, near.Score.Lon)

	var again scoreBody
	f.get(t, "/v1/score?lat=-33.43780004&lon=-70.65050004&profile=adulto_mayor", &again)
	assert.True(t, again.Cached)
	assert.Equal(t, -33.43780004, again.Score.Lat)
}

func TestScore_Errors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name   string
		path   string
		status int
		want   map[string]string
	}{
		{"unknown profile", "/v1/score?lat=-33.4&lon=-70.6&profile=no_existe", http.StatusNotFound,
			map[string]string{"profile": "no_existe"}},
		{"missing profile", "/v1/score?lat=-33.4&lon=-70.6", http.StatusBadRequest,
			map[string]string{"error": "profile is required"}},
		{"bad lat", "/v1/score?lat=abc&lon=-70.6&profile=adulto_mayor", http.StatusBadRequest,
			map[string]string{"error": "lat must be a number"}},
		{"out of range", "/v1/score?lat=-95&lon=-70.6&profile=adulto_mayor", http.StatusBadRequest, nil},
		{"negative radius", "/v1/score?lat=-33.4&lon=-70.6&radius=-5&profile=adulto_mayor", http.StatusBadRequest, nil},
		{"huge radius", "/v1/score?lat=-33.4&lon=-70.6&radius=1e9&profile=adulto_mayor", http.StatusBadRequest, nil},
		{"unknown category", "/v1/nearest?lat=-33.4&lon=-70.6&category=farmacias", http.StatusNotFound,
			map[string]string{"category": "farmacias"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			resp := f.get(t, tt.path, &body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
			for k, v := range tt.want {
				assert.Equal(t, v, body[k])
			}
		})
	}
}

func TestScore_ZeroRadius(t *testing.T) {
	f := newFixture(t, Options{})

	var body scoreBody
	resp := f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&radius=0&profile=adulto_mayor", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, body.Score.Index)
	// Every category with amenities reports its nearest one.
	assert.Len(t, body.Nearest.Features, 2)
}

func TestAmenities(t *testing.T) {
	f := newFixture(t, Options{})

	resp, err := http.Get(f.http.URL + "/v1/amenities?lat=-33.4378&lon=-70.6505&radius=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)
	for _, feat := range fc.Features {
		assert.Equal(t, "salud", feat.Properties["category"])
		assert.Contains(t, feat.ID, "establecimientos_salud:")
	}
}

func TestNearest(t *testing.T) {
	f := newFixture(t, Options{})

	var fc struct {
		Features []struct {
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	resp := f.get(t, "/v1/nearest?lat=-33.4378&lon=-70.6505&radius=200&category=salud,supermercados", &fc)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "salud", fc.Features[0].Properties["category"])
	assert.InDelta(t, 300, fc.Features[0].Properties["distance_m"].(float64), 1e-6)
	assert.Equal(t, "supermercados", fc.Features[1].Properties["category"])
}

func TestReload(t *testing.T) {
	f := newFixture(t, Options{})

	var body scoreBody
	f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=adulto_mayor", &body)
	assert.Equal(t, 0, body.Score.Details["museos"].Count)

	f.src.set("v2", "osm_museos", utmLayer(t, "osm_museos", [2]float64{50, 50}))

	resp, err := http.Post(f.http.URL+"/v1/reload", "application/json", nil)
	require.NoError(t, err)
	var reload struct {
		Swapped bool `json:"swapped"`
		Result  struct {
			Version string `json:"version"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reload))
	resp.Body.Close()
	assert.True(t, reload.Swapped)
	assert.Equal(t, "v2", reload.Result.Version)
	assert.Equal(t, "v2", f.holder.Load().Version())

	f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=adulto_mayor", &body)
	assert.False(t, body.Cached)
	assert.Equal(t, 1, body.Score.Details["museos"].Count)
}

func TestReload_NotConfigured(t *testing.T) {
	cat := testCatalog(t)
	empty, err := proximity.Empty(cat.CRS(), cat.Categories())
	require.NoError(t, err)
	holder := proximity.NewHolder(empty)
	srv, err := New(scoring.NewScorer(cat, holder, 0), holder, nil, Options{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/reload", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// An empty index is a valid state: every count is zero.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/score?lat=-33.4&lon=-70.6&profile=adulto_mayor", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body scoreBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0.0, body.Score.Index)
	assert.Empty(t, body.Nearest.Features)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, Options{})
	f.get(t, "/v1/score?lat=-33.4378&lon=-70.6505&profile=adulto_mayor", nil)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"https://dashboard.example"}})

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/v1/profiles", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dashboard.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
