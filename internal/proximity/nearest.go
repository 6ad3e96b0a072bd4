package proximity

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"
)

// nearestParallelism bounds the per-category searches run at once.
const nearestParallelism = 8

// NearestOutside finds, for each requested category, the closest amenity
// lying strictly outside the radius around pt. Categories without any such
// amenity are absent from the result. Distances are meters in the index
// CRS; returned geometries are WGS84.
func (idx *Index) NearestOutside(ctx context.Context, pt Point, radius float64, categories []string) (map[string]Nearest, error) {
	c := idx.project(pt)

	var (
		mu  sync.Mutex
		out = make(map[string]Nearest, len(categories))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nearestParallelism)

	for _, cat := range categories {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrapf(err, "proximity: nearest %s", cat)
			}
			i, dist, ok, err := idx.nearestOutside(gctx, cat, c, radius)
			if err != nil || !ok {
				return err
			}
			a, err := idx.geographic(idx.amenities[i])
			if err != nil {
				return err
			}
			mu.Lock()
			out[cat] = Nearest{Category: cat, DistanceM: dist, Amenity: a}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// nearestOutside walks one category tree in ascending distance order and
// stops at the first amenity not matched by within.
func (idx *Index) nearestOutside(ctx context.Context, category string, c geom.Coord, radius float64) (int, float64, bool, error) {
	tree, ok := idx.trees[category]
	if !ok {
		return 0, 0, false, nil
	}
	limit := radius + edgeTolerance

	var (
		found   = -1
		best    float64
		visited int
		ctxErr  error
	)
	tree.Nearby(
		func(min, max [2]float64, i int, item bool) float64 {
			if item {
				return distanceTo(c, idx.amenities[i].Geometry)
			}
			return boxDistance(c, min, max)
		},
		func(_, _ [2]float64, i int, dist float64) bool {
			visited++
			if visited%256 == 0 {
				if ctxErr = ctx.Err(); ctxErr != nil {
					return false
				}
			}
			if radius > 0 && dist <= limit {
				return true
			}
			found, best = i, dist
			return false
		},
	)
	if ctxErr != nil {
		return 0, 0, false, eris.Wrapf(ctxErr, "proximity: nearest %s", category)
	}
	if found < 0 {
		return 0, 0, false, nil
	}
	return found, best, true, nil
}
