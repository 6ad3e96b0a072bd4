package layers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/monitoring"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/tracing"
)

// loadParallelism bounds concurrent layer reads.
const loadParallelism = 4

// LayerStatus reports what happened to one catalog layer.
type LayerStatus struct {
	Category string `json:"category"`
	Layer    string `json:"layer"`
	Features int    `json:"features"`
	// Dropped counts records without a usable geometry.
	Dropped int    `json:"dropped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a unification: the index and the per-layer
// report. Loaded and Skipped are sorted by category.
type Result struct {
	Index    *proximity.Index `json:"-"`
	Source   string           `json:"source"`
	Version  string           `json:"version"`
	Loaded   []LayerStatus    `json:"loaded"`
	Skipped  []LayerStatus    `json:"skipped"`
	Duration time.Duration    `json:"duration"`
}

// Unify reads every catalog layer from src, tags features with their
// category, reprojects them to the catalog CRS and builds the index.
// Layers that cannot be read are skipped; an empty index is a valid
// result. Only cancellation of ctx fails the call.
func Unify(ctx context.Context, src Source, cat *catalog.Catalog) (res *Result, err error) {
	ctx, span := tracing.Start(ctx, "layers.Unify", attribute.String("source", src.Name()))
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	log := zap.L().With(zap.String("component", "layers.unify"), zap.String("source", src.Name()))

	version, err := src.Fingerprint(ctx)
	if err != nil {
		log.Warn("layers: fingerprint unavailable", zap.Error(err))
		version = ""
		err = nil
	}

	var (
		mu        sync.Mutex
		amenities []proximity.Amenity
		loaded    []LayerStatus
		skipped   []LayerStatus
	)
	target := cat.CRS()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallelism)
	for _, category := range cat.Categories() {
		layerID, _ := cat.Layer(category)
		g.Go(func() error {
			rows, status, loadErr := loadLayer(gctx, src, category, layerID, target)
			if loadErr != nil {
				if errors.Is(loadErr, context.Canceled) || errors.Is(loadErr, context.DeadlineExceeded) {
					return loadErr
				}
				status.Error = loadErr.Error()
				log.Warn("layers: skipping layer",
					zap.String("category", category),
					zap.String("layer", layerID),
					zap.Error(loadErr),
				)
				monitoring.RecordLayerLoad(category, false)
				mu.Lock()
				skipped = append(skipped, status)
				mu.Unlock()
				return nil
			}

			monitoring.RecordLayerLoad(category, true)
			mu.Lock()
			amenities = append(amenities, rows...)
			loaded = append(loaded, status)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "layers: unify")
	}

	idx, err := proximity.NewIndex(target, cat.Categories(), amenities)
	if err != nil {
		return nil, eris.Wrap(err, "layers: build index")
	}
	idx = idx.WithVersion(version)

	byCategory := func(s []LayerStatus) {
		sort.Slice(s, func(i, j int) bool { return s[i].Category < s[j].Category })
	}
	byCategory(loaded)
	byCategory(skipped)

	res = &Result{
		Index:    idx,
		Source:   src.Name(),
		Version:  version,
		Loaded:   loaded,
		Skipped:  skipped,
		Duration: time.Since(start),
	}
	monitoring.UnifyDuration.Observe(res.Duration.Seconds())
	log.Info("layers: unified",
		zap.Int("amenities", idx.Len()),
		zap.Int("loaded", len(loaded)),
		zap.Int("skipped", len(skipped)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// loadLayer reads one layer and converts its features to amenities in the
// target CRS. Features that fail to reproject are dropped.
func loadLayer(ctx context.Context, src Source, category, layerID string, target crs.CRS) ([]proximity.Amenity, LayerStatus, error) {
	status := LayerStatus{Category: category, Layer: layerID}

	layer, err := src.ReadLayer(ctx, layerID)
	if err != nil {
		return nil, status, err
	}
	status.Dropped = layer.Skipped

	tr, err := crs.NewTransformer(layer.CRS, target)
	if err != nil {
		return nil, status, eris.Wrapf(err, "layers: reproject %s", layerID)
	}

	out := make([]proximity.Amenity, 0, len(layer.Features))
	for _, f := range layer.Features {
		if f.Geometry == nil || f.Geometry.Empty() {
			status.Dropped++
			continue
		}
		g, err := tr.Geometry(f.Geometry)
		if err != nil {
			status.Dropped++
			continue
		}
		out = append(out, proximity.Amenity{
			Category: category,
			Source:   layerID,
			SourceID: f.ID,
			Geometry: g,
		})
	}
	status.Features = len(out)
	return out, status, nil
}
