package report

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/access-index/internal/scoring"
)

// DefaultConcurrency bounds concurrent origins when Options leaves it unset.
const DefaultConcurrency = 8

// Options configures a batch run.
type Options struct {
	Profiles    []string
	RadiusM     float64
	Concurrency int
	// Distances adds the distance to the nearest amenity of every
	// category, regardless of radius.
	Distances bool
}

// Row is the outcome for one origin and profile. Err is set instead of
// Result when the origin could not be scored.
type Row struct {
	Origin    Origin
	Profile   string
	Result    *scoring.Result
	Distances map[string]float64
	Err       string
}

// Run scores every origin with every profile. Rows keep input order, then
// profile order. Unknown profiles fail the whole run before any work is
// done; a bad origin only fails its own rows.
func Run(ctx context.Context, s *scoring.Scorer, origins []Origin, opts Options) ([]Row, error) {
	profiles := make([]string, 0, len(opts.Profiles))
	for _, p := range opts.Profiles {
		prof, ok := s.Catalog().Profile(p)
		if !ok {
			return nil, &scoring.UnknownProfileError{Key: p}
		}
		profiles = append(profiles, prof.Key)
	}
	if len(profiles) == 0 {
		for _, p := range s.Catalog().Profiles() {
			profiles = append(profiles, p.Key)
		}
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	log := zap.L().With(zap.String("component", "report"))
	start := time.Now()
	rows := make([]Row, len(origins)*len(profiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, o := range origins {
		g.Go(func() error {
			var distances map[string]float64
			if opts.Distances && o.Point.Valid() {
				nearest, err := s.Nearest(gctx, o.Point, 0, nil)
				if err != nil {
					return err
				}
				distances = make(map[string]float64, len(nearest))
				for cat, n := range nearest {
					distances[cat] = n.DistanceM
				}
			}

			for j, p := range profiles {
				row := Row{Origin: o, Profile: p, Distances: distances}
				res, err := s.Score(gctx, scoring.Query{Point: o.Point, RadiusM: opts.RadiusM, Profile: p})
				switch {
				case err == nil:
					row.Result = res
				case errors.Is(err, scoring.ErrInvalidPoint):
					row.Err = err.Error()
				default:
					return err
				}
				rows[i*len(profiles)+j] = row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("batch scored",
		zap.Int("origins", len(origins)),
		zap.Strings("profiles", profiles),
		zap.Duration("duration", time.Since(start)),
	)
	return rows, nil
}
