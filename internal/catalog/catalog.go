// Package catalog holds the static scoring configuration: which source layer
// feeds each amenity category, the per-category targets used to normalize
// counts, and the user profiles that weight categories.
package catalog

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/access-index/internal/crs"
)

// DefaultTarget is the target count of a category missing from the target table.
const DefaultTarget = 1

// DefaultWeight is the weight of a category a profile does not mention.
const DefaultWeight = 1.0

//go:embed defaults.yaml
var defaultsYAML []byte

// Definition is the on-disk shape of a catalog file.
type Definition struct {
	CRS           string                `yaml:"crs"`
	DefaultRadius float64               `yaml:"default_radius_m"`
	Categories    map[string]string     `yaml:"categories"`
	Targets       map[string]Target     `yaml:"targets"`
	Profiles      map[string]ProfileDef `yaml:"profiles"`
}

// ProfileDef is the on-disk shape of a profile.
type ProfileDef struct {
	Desc    string             `yaml:"desc"`
	Weights map[string]float64 `yaml:"weights"`
}

// Target is the count of amenities that represents full service.
type Target struct {
	Meta int    `yaml:"meta" json:"meta"`
	Desc string `yaml:"desc" json:"desc"`
}

// Profile is a named weighting scheme over categories.
type Profile struct {
	Key     string             `json:"key"`
	Desc    string             `json:"desc"`
	Weights map[string]float64 `json:"weights"`
}

// Weight returns the profile's weight for category, DefaultWeight when unset.
func (p Profile) Weight(category string) float64 {
	if w, ok := p.Weights[category]; ok {
		return w
	}
	return DefaultWeight
}

// Catalog is the validated, read-only scoring configuration. It is safe for
// concurrent use.
type Catalog struct {
	crs           crs.CRS
	defaultRadius float64
	keys          []string
	layers        map[string]string
	targets       map[string]Target
	profiles      map[string]Profile
}

// Default returns the embedded Santiago catalog.
func Default() (*Catalog, error) {
	return Parse(defaultsYAML)
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, eris.Wrap(err, "catalog: decode yaml")
	}
	return New(def)
}

// New validates def and builds a Catalog. Every configuration error is
// reported here so that nothing can fail later at query time.
func New(def Definition) (*Catalog, error) {
	var errs []string

	if def.CRS == "" {
		def.CRS = "EPSG:32719"
	}
	target, err := crs.Parse(def.CRS)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("crs: %v", err))
	case !target.IsMetric():
		errs = append(errs, fmt.Sprintf("crs %s is not a metric system", target))
	}

	if def.DefaultRadius == 0 {
		def.DefaultRadius = 1000
	}
	if def.DefaultRadius < 0 || math.IsNaN(def.DefaultRadius) || math.IsInf(def.DefaultRadius, 0) {
		errs = append(errs, "default_radius_m must be a finite number > 0")
	}

	c := &Catalog{
		crs:           target,
		defaultRadius: def.DefaultRadius,
		layers:        make(map[string]string, len(def.Categories)),
		targets:       make(map[string]Target, len(def.Targets)),
		profiles:      make(map[string]Profile, len(def.Profiles)),
	}

	if len(def.Categories) == 0 {
		errs = append(errs, "at least one category is required")
	}
	for raw, layer := range def.Categories {
		key := NormalizeKey(raw)
		if key == "" {
			errs = append(errs, fmt.Sprintf("category %q has an empty key", raw))
			continue
		}
		if _, dup := c.layers[key]; dup {
			errs = append(errs, fmt.Sprintf("category %q duplicates %q", raw, key))
			continue
		}
		if strings.TrimSpace(layer) == "" {
			errs = append(errs, fmt.Sprintf("category %q has no source layer", key))
			continue
		}
		c.layers[key] = strings.TrimSpace(layer)
		c.keys = append(c.keys, key)
	}
	sort.Strings(c.keys)

	for raw, t := range def.Targets {
		key := NormalizeKey(raw)
		if t.Meta < 1 {
			errs = append(errs, fmt.Sprintf("target %q: meta must be >= 1 (got %d)", key, t.Meta))
			continue
		}
		if _, ok := c.layers[key]; !ok {
			zap.L().Warn("catalog: target for unknown category", zap.String("category", key))
		}
		c.targets[key] = t
	}

	for raw, pd := range def.Profiles {
		key := NormalizeKey(raw)
		if key == "" {
			errs = append(errs, fmt.Sprintf("profile %q has an empty key", raw))
			continue
		}
		if len(pd.Weights) == 0 {
			errs = append(errs, fmt.Sprintf("profile %q has no weights", key))
			continue
		}
		p := Profile{Key: key, Desc: pd.Desc, Weights: make(map[string]float64, len(pd.Weights))}
		known := 0
		for rawCat, w := range pd.Weights {
			cat := NormalizeKey(rawCat)
			if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
				errs = append(errs, fmt.Sprintf("profile %q: weight for %q must be a finite number > 0", key, cat))
				continue
			}
			if _, ok := c.layers[cat]; ok {
				known++
			} else {
				zap.L().Warn("catalog: profile weight for unknown category",
					zap.String("profile", key),
					zap.String("category", cat),
				)
			}
			p.Weights[cat] = w
		}
		if known == 0 && len(c.layers) > 0 {
			errs = append(errs, fmt.Sprintf("profile %q references no catalog category", key))
			continue
		}
		c.profiles[key] = p
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, eris.Errorf("catalog: validation failed: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// CRS returns the metric working system of the unified collection.
func (c *Catalog) CRS() crs.CRS { return c.crs }

// DefaultRadius returns the radius used when a caller does not supply one.
func (c *Catalog) DefaultRadius() float64 { return c.defaultRadius }

// Categories returns the sorted category keys.
func (c *Catalog) Categories() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Has reports whether key is a catalog category.
func (c *Catalog) Has(key string) bool {
	_, ok := c.layers[key]
	return ok
}

// Layer returns the source layer identifier for a category.
func (c *Catalog) Layer(key string) (string, bool) {
	l, ok := c.layers[key]
	return l, ok
}

// Target returns the normalization target for a category, DefaultTarget
// when the category has no entry.
func (c *Catalog) Target(key string) int {
	if t, ok := c.targets[key]; ok {
		return t.Meta
	}
	return DefaultTarget
}

// TargetInfo returns the configured target entry, if any.
func (c *Catalog) TargetInfo(key string) (Target, bool) {
	t, ok := c.targets[key]
	return t, ok
}

// Profile looks up a profile; the key is normalized first.
func (c *Catalog) Profile(key string) (Profile, bool) {
	p, ok := c.profiles[NormalizeKey(key)]
	return p, ok
}

// Profiles returns every profile sorted by key.
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
