// Package server exposes the scoring engine over HTTP.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/access-index/internal/layers"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/scoring"
)

// MaxRadiusM caps the radius accepted from clients.
const MaxRadiusM = 50_000

// DefaultResultEntries sizes the score cache when Options leaves it unset.
const DefaultResultEntries = 1024

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	ResultEntries  int
	// DefaultRadiusM applies when a query omits radius; zero uses the
	// catalog default.
	DefaultRadiusM float64
}

// Server serves score, amenity and nearest queries against the index held
// by the scorer. The loader, when set, backs POST /v1/reload.
type Server struct {
	scorer  *scoring.Scorer
	holder  *proximity.Holder
	loader  *layers.Loader
	results *lru.Cache[string, *scoring.Evaluation]
	limiter *rateLimiter
	opts    Options
}

// New creates a Server. loader may be nil, which disables reloads.
func New(scorer *scoring.Scorer, holder *proximity.Holder, loader *layers.Loader, opts Options) (*Server, error) {
	entries := opts.ResultEntries
	if entries <= 0 {
		entries = DefaultResultEntries
	}
	results, err := lru.New[string, *scoring.Evaluation](entries)
	if err != nil {
		return nil, eris.Wrap(err, "server: create result cache")
	}

	s := &Server{
		scorer:  scorer,
		holder:  holder,
		loader:  loader,
		results: results,
		opts:    opts,
	}
	if opts.RateLimitRPS > 0 {
		s.limiter, err = newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		if s.opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))
		}
		r.Get("/categories", s.handleCategories)
		r.Get("/profiles", s.handleProfiles)
		r.Get("/score", s.handleScore)
		r.Get("/amenities", s.handleAmenities)
		r.Get("/nearest", s.handleNearest)
		r.Post("/reload", s.handleReload)
	})

	return r
}
