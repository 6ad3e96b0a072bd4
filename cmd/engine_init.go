package main

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/crs"
	"github.com/sells-group/access-index/internal/db"
	"github.com/sells-group/access-index/internal/layers"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/scoring"
)

// engineEnv holds the catalog, the layer source and the scorer needed by
// the serve/score/nearest/batch commands.
type engineEnv struct {
	Catalog *catalog.Catalog
	Source  layers.Source
	Loader  *layers.Loader
	Holder  *proximity.Holder
	Scorer  *scoring.Scorer
	// Result is the unification that built the initial index.
	Result *layers.Result
}

// Close releases the layer source.
func (e *engineEnv) Close() {
	if e.Source != nil {
		if err := e.Source.Close(); err != nil {
			zap.L().Warn("close source", zap.Error(err))
		}
	}
}

// loadCatalog reads the configured catalog file, or the built-in catalog
// when none is configured.
func loadCatalog() (*catalog.Catalog, error) {
	if cfg.Scoring.CatalogPath == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Scoring.CatalogPath)
}

// openSource opens the configured layer source.
func openSource(ctx context.Context) (layers.Source, error) {
	def := crs.Geographic
	if cfg.Sources.DefaultCRS != "" {
		var err error
		def, err = crs.Parse(cfg.Sources.DefaultCRS)
		if err != nil {
			return nil, eris.Wrap(err, "sources.default_crs")
		}
	}
	return layers.Open(ctx, layers.Options{
		Driver:      cfg.Sources.Driver,
		Path:        cfg.Sources.Path,
		DatabaseURL: cfg.Sources.DatabaseURL,
		Schema:      cfg.Sources.Schema,
		DefaultCRS:  def,
		Pool: &db.PoolConfig{
			MaxConns: cfg.Sources.MaxConns,
			MinConns: cfg.Sources.MinConns,
		},
	})
}

// initEngine loads the catalog, opens the source and builds the first
// index. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := loadCatalog()
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}

	src, err := openSource(ctx)
	if err != nil {
		return nil, err
	}

	loader, err := layers.NewLoader(src, cat, cfg.Cache.CollectionEntries)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	empty, err := proximity.Empty(cat.CRS(), cat.Categories())
	if err != nil {
		_ = src.Close()
		return nil, eris.Wrap(err, "build empty index")
	}
	holder := proximity.NewHolder(empty)

	res, _, err := loader.Refresh(ctx, holder)
	if err != nil {
		_ = src.Close()
		return nil, eris.Wrap(err, "unify layers")
	}

	zap.L().Info("index ready",
		zap.String("source", src.Name()),
		zap.String("version", res.Version),
		zap.Int("amenities", res.Index.Len()),
		zap.Int("layers_loaded", len(res.Loaded)),
		zap.Int("layers_skipped", len(res.Skipped)),
	)

	return &engineEnv{
		Catalog: cat,
		Source:  src,
		Loader:  loader,
		Holder:  holder,
		Scorer:  scoring.NewScorer(cat, holder, cfg.Scoring.NearestTimeout()),
		Result:  res,
	}, nil
}

// queryRadius returns the --radius flag when given, else the configured
// default radius.
func queryRadius(cmd *cobra.Command, cat *catalog.Catalog) (float64, error) {
	if cmd.Flags().Changed("radius") {
		r, _ := cmd.Flags().GetFloat64("radius")
		if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
			return 0, eris.Errorf("--radius must be a finite number >= 0 (got %g)", r)
		}
		return r, nil
	}
	if cfg.Scoring.DefaultRadiusM > 0 {
		return cfg.Scoring.DefaultRadiusM, nil
	}
	return cat.DefaultRadius(), nil
}
