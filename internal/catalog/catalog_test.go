package catalog

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "EPSG:32719", c.CRS().String())
	assert.Equal(t, 1000.0, c.DefaultRadius())
	assert.Len(t, c.Categories(), 18)

	layer, ok := c.Layer("salud")
	require.True(t, ok)
	assert.Equal(t, "establecimientos_salud", layer)

	assert.Equal(t, 2, c.Target("salud"))
	assert.Equal(t, 5, c.Target("paradas_micro"))

	keys := make([]string, 0)
	for _, p := range c.Profiles() {
		keys = append(keys, p.Key)
	}
	assert.Equal(t, []string{"adulto_mayor", "estudiante", "familia_joven"}, keys)
}

func TestCategories_SortedCopy(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	cats := c.Categories()
	assert.IsNonDecreasing(t, cats)
	cats[0] = "mutated"
	assert.NotEqual(t, "mutated", c.Categories()[0])
}

func TestTarget_DefaultsToOne(t *testing.T) {
	c, err := New(Definition{
		Categories: map[string]string{"salud": "layer_salud", "museos": "layer_museos"},
		Targets:    map[string]Target{"salud": {Meta: 3}},
		Profiles: map[string]ProfileDef{
			"base": {Weights: map[string]float64{"salud": 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Target("salud"))
	assert.Equal(t, DefaultTarget, c.Target("museos"))
	assert.Equal(t, DefaultTarget, c.Target("not_a_category"))
}

func TestProfile_WeightDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	p, ok := c.Profile("estudiante")
	require.True(t, ok)
	assert.Equal(t, 5.0, p.Weight("educacion_superior"))
	// Not mentioned by the profile: weight 1, never 0.
	assert.Equal(t, 1.0, p.Weight("salud"))
}

func TestProfile_LookupIsNormalized(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, ok := c.Profile("Familia Joven")
	assert.True(t, ok)
	_, ok = c.Profile("no_existe")
	assert.False(t, ok)
}

func TestProfile_UnknownCategoryWeightKept(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	p, ok := c.Profile("adulto_mayor")
	require.True(t, ok)
	assert.Equal(t, 5.0, p.Weights["farmacias"])
	assert.False(t, c.Has("farmacias"))
}

func TestNew_ValidationErrors(t *testing.T) {
	base := func() Definition {
		return Definition{
			Categories: map[string]string{"salud": "layer_salud"},
			Profiles: map[string]ProfileDef{
				"base": {Weights: map[string]float64{"salud": 1}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(d *Definition)
		want   string
	}{
		{"zero target", func(d *Definition) { d.Targets = map[string]Target{"salud": {Meta: 0}} }, "meta must be >= 1"},
		{"negative target", func(d *Definition) { d.Targets = map[string]Target{"salud": {Meta: -2}} }, "meta must be >= 1"},
		{"no categories", func(d *Definition) { d.Categories = nil }, "at least one category"},
		{"empty layer", func(d *Definition) { d.Categories["bancos"] = " " }, "no source layer"},
		{"profile without weights", func(d *Definition) { d.Profiles["vacio"] = ProfileDef{} }, "has no weights"},
		{"zero weight", func(d *Definition) {
			d.Profiles["cero"] = ProfileDef{Weights: map[string]float64{"salud": 0}}
		}, "must be a finite number > 0"},
		{"nan weight", func(d *Definition) {
			d.Profiles["nan"] = ProfileDef{Weights: map[string]float64{"salud": math.NaN()}}
		}, `weight for "salud" must be a finite number`},
		{"infinite weight", func(d *Definition) {
			d.Profiles["inf"] = ProfileDef{Weights: map[string]float64{"salud": math.Inf(1)}}
		}, `weight for "salud" must be a finite number`},
		{"nan radius", func(d *Definition) { d.DefaultRadius = math.NaN() }, "default_radius_m"},
		{"infinite radius", func(d *Definition) { d.DefaultRadius = math.Inf(1) }, "default_radius_m"},
		{"profile with only unknown categories", func(d *Definition) {
			d.Profiles["otro"] = ProfileDef{Weights: map[string]float64{"farmacias": 3}}
		}, "references no catalog category"},
		{"geographic crs", func(d *Definition) { d.CRS = "EPSG:4326" }, "not a metric system"},
		{"bad crs", func(d *Definition) { d.CRS = "EPSG:3857" }, "unsupported EPSG code"},
		{"negative radius", func(d *Definition) { d.DefaultRadius = -5 }, "default_radius_m"},
		{"duplicate normalized key", func(d *Definition) { d.Categories["Salud"] = "other" }, "duplicates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(&d)
			_, err := New(d)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_NonFiniteWeights(t *testing.T) {
	for _, w := range []string{".nan", ".inf", "-.inf"} {
		t.Run(w, func(t *testing.T) {
			doc := "categories: {salud: layer_salud}\nprofiles:\n  p:\n    weights: {salud: " + w + "}\n"
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "finite number")
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	yaml := `
crs: EPSG:32718
default_radius_m: 800
categories:
  Salud: hospitals
  Parques: parks
targets:
  salud: {meta: 2, desc: "Health"}
profiles:
  senior:
    desc: "Health first"
    weights:
      salud: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32718, c.CRS().Code)
	assert.Equal(t, 800.0, c.DefaultRadius())
	assert.Equal(t, []string{"parques", "salud"}, c.Categories())

	info, ok := c.TargetInfo("salud")
	require.True(t, ok)
	assert.Equal(t, "Health", info.Desc)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog: read")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("categories: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode yaml")
}

func TestNormalizeKey(t *testing.T) {
	tests := map[string]string{
		"salud":               "salud",
		"Educación Superior":  "educacion_superior",
		"  paradas-metro tren": "paradas_metro_tren",
		"ÁREAS__VERDES":       "areas_verdes",
		"compañías bomberos":  "companias_bomberos",
		"":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeKey(in), in)
	}
}
