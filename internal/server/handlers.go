package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/access-index/internal/catalog"
	"github.com/sells-group/access-index/internal/monitoring"
	"github.com/sells-group/access-index/internal/proximity"
	"github.com/sells-group/access-index/internal/scoring"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Amenities int            `json:"amenities"`
	Totals    map[string]int `json:"totals"`
	Skipped   []string       `json:"skipped,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	idx := s.holder.Load()
	resp := healthResponse{
		Status:    "ok",
		Version:   idx.Version(),
		Amenities: idx.Len(),
		Totals:    idx.Totals(),
	}
	if s.loader != nil {
		if last := s.loader.Last(); last != nil {
			for _, st := range last.Skipped {
				resp.Skipped = append(resp.Skipped, st.Category)
			}
		}
	}
	if len(resp.Skipped) > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

type categoryResponse struct {
	Key    string `json:"key"`
	Layer  string `json:"layer"`
	Target int    `json:"target"`
	Desc   string `json:"desc,omitempty"`
	Count  int    `json:"count"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cat := s.scorer.Catalog()
	totals := s.holder.Load().Totals()

	out := make([]categoryResponse, 0, len(cat.Categories()))
	for _, key := range cat.Categories() {
		layer, _ := cat.Layer(key)
		info, _ := cat.TargetInfo(key)
		out = append(out, categoryResponse{
			Key:    key,
			Layer:  layer,
			Target: cat.Target(key),
			Desc:   info.Desc,
			Count:  totals[key],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profiles": s.scorer.Catalog().Profiles()})
}

type scoreResponse struct {
	Score      *scoring.Result            `json:"score"`
	Nearest    *geojson.FeatureCollection `json:"nearest"`
	Version    string                     `json:"version,omitempty"`
	Incomplete bool                       `json:"incomplete,omitempty"`
	Cached     bool                       `json:"cached"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	pt, radius, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	profile := r.URL.Query().Get("profile")
	if profile == "" {
		writeError(w, http.StatusBadRequest, "profile is required", nil)
		return
	}

	version := s.holder.Load().Version()
	key := strings.Join([]string{
		version,
		strconv.FormatFloat(pt.Lat, 'g', -1, 64),
		strconv.FormatFloat(pt.Lon, 'g', -1, 64),
		strconv.FormatFloat(radius, 'g', -1, 64),
		catalog.NormalizeKey(profile),
	}, "|")

	ev, cached := s.results.Get(key)
	monitoring.RecordCache("result", cached)
	if !cached {
		ev, err = s.scorer.Evaluate(r.Context(), scoring.Query{Point: pt, RadiusM: radius, Profile: profile})
		if err != nil {
			s.writeQueryError(w, r, err)
			return
		}
		// An unversioned or partial answer may differ on the next call.
		if version != "" && ev.Version == version && !ev.Incomplete {
			s.results.Add(key, ev)
		}
	}

	writeJSON(w, http.StatusOK, scoreResponse{
		Score:      ev.Score,
		Nearest:    nearestFeatures(ev.Nearest),
		Version:    ev.Version,
		Incomplete: ev.Incomplete,
		Cached:     cached,
	})
}

func (s *Server) handleAmenities(w http.ResponseWriter, r *http.Request) {
	pt, radius, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	amenities, err := s.scorer.Amenities(r.Context(), pt, radius)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(amenities))}
	for _, a := range amenities {
		fc.Features = append(fc.Features, amenityFeature(a, nil))
	}
	writeGeoJSON(w, fc)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	pt, radius, err := s.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var categories []string
	for _, v := range r.URL.Query()["category"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				categories = append(categories, c)
			}
		}
	}

	nearest, err := s.scorer.Nearest(r.Context(), pt, radius, categories)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeGeoJSON(w, nearestFeatures(nearest))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		writeError(w, http.StatusServiceUnavailable, "reload is not configured", nil)
		return
	}
	res, swapped, err := s.loader.Refresh(r.Context(), s.holder)
	if err != nil {
		zap.L().Error("server: reload failed",
			zap.String("component", "server"),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "reload failed", nil)
		return
	}
	if swapped {
		s.results.Purge()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"swapped": swapped,
		"result":  res,
	})
}

// parseQuery reads lat, lon and an optional radius in meters.
func (s *Server) parseQuery(r *http.Request) (proximity.Point, float64, error) {
	q := r.URL.Query()
	lat, err := parseFloat(q.Get("lat"), "lat")
	if err != nil {
		return proximity.Point{}, 0, err
	}
	lon, err := parseFloat(q.Get("lon"), "lon")
	if err != nil {
		return proximity.Point{}, 0, err
	}
	pt := proximity.Point{Lat: lat, Lon: lon}
	if !pt.Valid() {
		return proximity.Point{}, 0, errors.New("lat must be within [-90, 90] and lon within [-180, 180]")
	}

	radius := s.opts.DefaultRadiusM
	if radius <= 0 {
		radius = s.scorer.Catalog().DefaultRadius()
	}
	if raw := q.Get("radius"); raw != "" {
		radius, err = parseFloat(raw, "radius")
		if err != nil {
			return proximity.Point{}, 0, err
		}
		if radius < 0 || radius > MaxRadiusM {
			return proximity.Point{}, 0, fmt.Errorf("radius must be within [0, %d]", MaxRadiusM)
		}
	}
	return pt, radius, nil
}

func parseFloat(raw, name string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

// writeQueryError maps scoring errors to HTTP responses.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		upe *scoring.UnknownProfileError
		uce *scoring.UnknownCategoryError
	)
	switch {
	case errors.As(err, &upe):
		writeError(w, http.StatusNotFound, err.Error(), map[string]string{"profile": upe.Key})
	case errors.As(err, &uce):
		writeError(w, http.StatusNotFound, err.Error(), map[string]string{"category": uce.Key})
	case errors.Is(err, scoring.ErrInvalidPoint):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case r.Context().Err() != nil:
		writeError(w, http.StatusServiceUnavailable, "request canceled", nil)
	default:
		zap.L().Error("server: query failed",
			zap.String("component", "server"),
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeGeoJSON(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	data, err := json.Marshal(fc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode geojson", nil)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// writeError writes {"error": msg} plus any extra string fields.
func writeError(w http.ResponseWriter, status int, msg string, extra map[string]string) {
	body := map[string]string{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
