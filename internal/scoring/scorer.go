package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/monitoring"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/tracing"
)

// DefaultNearestTimeout bounds the nearest-outside search of Evaluate.
const DefaultNearestTimeout = 2 * time.Second

// ErrInvalidPoint is returned for coordinates outside geographic bounds.
var ErrInvalidPoint = eris.New("scoring: coordinates out of range")

// Query is one scoring request.
type Query struct {
	Point   proximity.Point
	RadiusM float64
	Profile string
}

// Evaluation is a score plus the nearest amenity outside the radius for
// every category the radius left uncovered.
type Evaluation struct {
	Score      *Result                      `json:"score"`
	Nearest    map[string]proximity.Nearest `json:"nearest"`
	Version    string                       `json:"version,omitempty"`
	Incomplete bool                         `json:"incomplete,omitempty"`
}

// Scorer answers queries against whatever index the holder currently
// serves.
type Scorer struct {
	cat            *catalog.Catalog
	holder         *proximity.Holder
	nearestTimeout time.Duration
}

// NewScorer creates a Scorer. A non-positive nearestTimeout uses
// DefaultNearestTimeout.
func NewScorer(cat *catalog.Catalog, holder *proximity.Holder, nearestTimeout time.Duration) *Scorer {
	if nearestTimeout <= 0 {
		nearestTimeout = DefaultNearestTimeout
	}
	return &Scorer{cat: cat, holder: holder, nearestTimeout: nearestTimeout}
}

// Catalog returns the catalog the scorer was built with.
func (s *Scorer) Catalog() *catalog.Catalog { return s.cat }

// Index returns the index currently served.
func (s *Scorer) Index() *proximity.Index { return s.holder.Load() }

// Score counts amenities around q.Point and aggregates them with the
// weights of q.Profile.
func (s *Scorer) Score(ctx context.Context, q Query) (*Result, error) {
	res, _, err := s.score(ctx, s.holder.Load(), q)
	return res, err
}

func (s *Scorer) score(ctx context.Context, idx *proximity.Index, q Query) (res *Result, counts map[string]int, err error) {
	label := "unknown"
	if p, ok := s.cat.Profile(q.Profile); ok {
		label = p.Key
	}
	_, span := tracing.Start(ctx, "scoring.score",
		attribute.String("profile", label),
		attribute.Float64("radius_m", q.RadiusM),
	)
	defer func() {
		monitoring.RecordScore(label, err)
		tracing.End(span, err)
	}()

	if !q.Point.Valid() {
		return nil, nil, ErrInvalidPoint
	}

	start := time.Now()
	counts = idx.CountInRadius(q.Point, q.RadiusM)
	monitoring.ObserveQuery("count", start)

	res, err = Aggregate(s.cat, q.Profile, q.Point, q.RadiusM, counts)
	if err != nil {
		return nil, nil, err
	}
	return res, counts, nil
}

// Evaluate scores q and looks up the nearest amenity outside the radius
// for every category with a zero count. If the nearest search exceeds the
// scorer's timeout the score is still returned, Incomplete is set and
// Nearest is empty.
func (s *Scorer) Evaluate(ctx context.Context, q Query) (*Evaluation, error) {
	idx := s.holder.Load()
	res, _, err := s.score(ctx, idx, q)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		Score:   res,
		Nearest: map[string]proximity.Nearest{},
		Version: idx.Version(),
	}
	zero := res.Zero()
	if len(zero) == 0 {
		return ev, nil
	}

	nctx, cancel := context.WithTimeout(ctx, s.nearestTimeout)
	defer cancel()

	nearest, err := s.nearest(nctx, idx, q.Point, q.RadiusM, zero)
	switch {
	case err == nil:
		ev.Nearest = nearest
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		zap.L().Warn("nearest search timed out",
			zap.String("component", "scoring"),
			zap.Duration("timeout", s.nearestTimeout),
			zap.Int("categories", len(zero)),
		)
		ev.Incomplete = true
	default:
		return nil, err
	}
	return ev, nil
}

// Amenities returns every amenity within radius of pt, geometries in WGS84.
func (s *Scorer) Amenities(ctx context.Context, pt proximity.Point, radius float64) ([]proximity.Amenity, error) {
	if !pt.Valid() {
		return nil, ErrInvalidPoint
	}
	_, span := tracing.Start(ctx, "scoring.amenities", attribute.Float64("radius_m", radius))
	start := time.Now()
	out, err := s.holder.Load().InRadius(pt, radius)
	monitoring.ObserveQuery("in_radius", start)
	tracing.End(span, err)
	if err != nil {
		return nil, eris.Wrap(err, "scoring: amenities")
	}
	return out, nil
}

// Nearest finds the nearest amenity outside radius for each category. An
// empty category list means every catalog category. A radius of zero
// yields the nearest amenity of each category regardless of distance.
func (s *Scorer) Nearest(ctx context.Context, pt proximity.Point, radius float64, categories []string) (map[string]proximity.Nearest, error) {
	if !pt.Valid() {
		return nil, ErrInvalidPoint
	}
	keys := make([]string, 0, len(categories))
	for _, c := range categories {
		k := catalog.NormalizeKey(c)
		if !s.cat.Has(k) {
			return nil, &UnknownCategoryError{Key: c}
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		keys = s.cat.Categories()
	}
	return s.nearest(ctx, s.holder.Load(), pt, radius, keys)
}

func (s *Scorer) nearest(ctx context.Context, idx *proximity.Index, pt proximity.Point, radius float64, categories []string) (out map[string]proximity.Nearest, err error) {
	ctx, span := tracing.Start(ctx, "scoring.nearest",
		attribute.Int("categories", len(categories)),
		attribute.Float64("radius_m", radius),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	defer monitoring.ObserveQuery("nearest", start)
	return idx.NearestOutside(ctx, pt, radius, categories)
}
