// Package scoring turns per-category amenity counts into a weighted 0-100
// access index for a user profile.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/proximity"
)

// UnknownProfileError is returned when a profile key is not configured.
// It is an expected user error, not a fault.
type UnknownProfileError struct {
	Key string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("scoring: profile %q not found", e.Key)
}

// UnknownCategoryError is returned when a requested category is not in
// the catalog.
type UnknownCategoryError struct {
	Key string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("scoring: category %q not found", e.Key)
}

// Detail is the per-category breakdown of a score.
type Detail struct {
	Count        int     `json:"count"`
	ScoreNorm    float64 `json:"score_norm"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Result is one computed access score. It is never mutated after Aggregate
// returns it.
type Result struct {
	Index   float64           `json:"index"`
	Profile string            `json:"profile"`
	Lat     float64           `json:"lat"`
	Lon     float64           `json:"lon"`
	RadiusM float64           `json:"radius_m"`
	Details map[string]Detail `json:"details"`
}

// Categories returns the detail keys in sorted order.
func (r *Result) Categories() []string {
	out := make([]string, 0, len(r.Details))
	for k := range r.Details {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Zero returns the categories whose count is zero, sorted.
func (r *Result) Zero() []string {
	var out []string
	for _, k := range r.Categories() {
		if r.Details[k].Count == 0 {
			out = append(out, k)
		}
	}
	return out
}

// Normalize maps a raw count to [0, 1] against the category target.
func Normalize(cat *catalog.Catalog, category string, count int) float64 {
	if count <= 0 {
		return 0
	}
	target := cat.Target(category)
	if target < 1 {
		target = catalog.DefaultTarget
	}
	return math.Min(float64(count)/float64(target), 1)
}

// Aggregate combines counts with the weights of profileKey. Every category
// in counts gets a detail entry, zero contributions included. Totals use
// unrounded values; detail fields are rounded to two decimals and the
// index to one.
func Aggregate(cat *catalog.Catalog, profileKey string, pt proximity.Point, radius float64, counts map[string]int) (*Result, error) {
	profile, ok := cat.Profile(profileKey)
	if !ok {
		return nil, &UnknownProfileError{Key: profileKey}
	}

	res := &Result{
		Profile: profile.Key,
		Lat:     pt.Lat,
		Lon:     pt.Lon,
		RadiusM: radius,
		Details: make(map[string]Detail, len(counts)),
	}

	// Fixed summation order keeps the index identical across runs.
	categories := make([]string, 0, len(counts))
	for category := range counts {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var weighted, maxWeight float64
	for _, category := range categories {
		count := counts[category]
		norm := Normalize(cat, category, count)
		weight := profile.Weight(category)
		contribution := norm * weight
		weighted += contribution
		maxWeight += weight

		res.Details[category] = Detail{
			Count:        count,
			ScoreNorm:    round(norm, 2),
			Weight:       weight,
			Contribution: round(contribution, 2),
		}
	}

	if maxWeight > 0 {
		res.Index = round(100*weighted/maxWeight, 1)
	}
	return res, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
