package layers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/monitoring"
	"github.com/sells-group/access-index/internal/proximity"
)

// DefaultCacheEntries is the number of unified collections kept when the
// caller does not size the cache.
const DefaultCacheEntries = 4

// Loader unifies a source on demand and memoizes the result by source
// identity and fingerprint, so an unchanged source is never re-read.
type Loader struct {
	src   Source
	cat   *catalog.Catalog
	cache *lru.Cache[string, *Result]
	last  atomic.Pointer[Result]
	// mu serializes reloads; readers never take it.
	mu sync.Mutex
}

// NewLoader returns a loader over src holding up to entries collections.
func NewLoader(src Source, cat *catalog.Catalog, entries int) (*Loader, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[string, *Result](entries)
	if err != nil {
		return nil, eris.Wrap(err, "layers: create cache")
	}
	return &Loader{src: src, cat: cat, cache: cache}, nil
}

// Source returns the underlying source.
func (l *Loader) Source() Source { return l.src }

// Last returns the most recent unification result, or nil.
func (l *Loader) Last() *Result { return l.last.Load() }

// Load returns the unified collection for the source's current
// fingerprint, building it when it is not cached. cached reports whether
// the result came from the cache.
func (l *Loader) Load(ctx context.Context) (res *Result, cached bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fp, fpErr := l.src.Fingerprint(ctx)
	key := l.src.Name() + "@" + fp
	if fpErr == nil {
		if res, ok := l.cache.Get(key); ok {
			monitoring.RecordCache("collection", true)
			l.last.Store(res)
			return res, true, nil
		}
	}
	monitoring.RecordCache("collection", false)

	res, err = Unify(ctx, l.src, l.cat)
	if err != nil {
		return nil, false, err
	}
	// An unfingerprinted source cannot be cached safely.
	if fpErr == nil && res.Version == fp {
		l.cache.Add(key, res)
	}
	l.last.Store(res)
	return res, false, nil
}

// Refresh loads the current collection and installs it in h unless h
// already serves that version. It reports whether the index was swapped.
func (l *Loader) Refresh(ctx context.Context, h *proximity.Holder) (*Result, bool, error) {
	res, _, err := l.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if cur := h.Load(); cur != nil && res.Version != "" && cur.Version() == res.Version {
		return res, false, nil
	}
	h.Swap(res.Index)
	monitoring.IndexSwapsTotal.Inc()
	monitoring.SetAmenityTotals(res.Index.Totals())
	return res, true, nil
}

// Watch refreshes h every interval until ctx is cancelled. Failed
// refreshes are logged and the previous index keeps serving.
func (l *Loader) Watch(ctx context.Context, h *proximity.Holder, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "layers.watch"))
	log.Info("starting source watcher",
		zap.String("source", l.src.Name()),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("source watcher stopped")
			return
		case <-ticker.C:
			res, swapped, err := l.Refresh(ctx, h)
			if err != nil {
				log.Error("layers: refresh failed", zap.Error(err))
				continue
			}
			if swapped {
				log.Info("layers: index replaced",
					zap.String("version", res.Version),
					zap.Int("amenities", res.Index.Len()),
				)
			}
		}
	}
}
