package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"marketwatch/internal/browser"
	"marketwatch/internal/config"
	"marketwatch/internal/filter"
	"marketwatch/internal/logging"
	"marketwatch/internal/marketplace"
	"marketwatch/internal/recovery"
)

const maxBodySize = 64 << 10

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) routes() {
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /port", s.handlePort)
	s.mux.HandleFunc("GET /categories", s.handleCategories)
	s.mux.HandleFunc("GET /listings", s.handleListings)

	s.mux.HandleFunc("POST /search", s.handleSearch)
	s.mux.HandleFunc("POST /select-category", s.handleSelectCategory)
	s.mux.HandleFunc("POST /set-location", s.handleSetLocation)
	s.mux.HandleFunc("POST /set-price-filter", s.handleSetPrice)
	s.mux.HandleFunc("POST /set-year-filter", s.handleSetYear)
	s.mux.HandleFunc("POST /set-age-filter", s.handleSetAge)

	s.mux.HandleFunc("POST /restart-browser", s.handleRestart)
	s.mux.HandleFunc("POST /navigate-to-marketplace", s.handleNavigate)
	s.mux.HandleFunc("POST /refresh-page", s.handleRefresh)

	s.mux.HandleFunc("POST /clear-image-cache", s.handleClearImages)
	s.mux.HandleFunc("POST /clear-cache", s.handleClearCache)
	s.mux.HandleFunc("POST /reset-session", s.handleResetSession)
}

// withRequestID tags each request with an ID, echoed in X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		logging.Get(logging.CategoryAPI).With("request_id", id).Debug("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestLog(r *http.Request) *logging.Logger {
	id, _ := r.Context().Value(requestIDKey).(string)
	return logging.Get(logging.CategoryAPI).With("request_id", id, "path", r.URL.Path)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Get(logging.CategoryAPI).Error("encode response: %v", err)
	}
}

// ok writes a success body. fields are merged next to "success".
func ok(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	jsonResponse(w, http.StatusOK, body)
}

// requestError marks request validation failures.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps an error to its HTTP status. Requests that cannot succeed
// as sent, including any request made while no session exists, get 400.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, browser.ErrNotReady),
		errors.Is(err, filter.ErrInvalidRange),
		errors.Is(err, filter.ErrInvalidValue),
		errors.Is(err, marketplace.ErrUnknownCategory):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := requestLog(r)
	if status >= 500 {
		log.Error("request failed: %v", err)
	} else {
		log.Warn("request rejected: %v", err)
	}
	body := map[string]any{"success": false, "error": err.Error()}
	if kind := browser.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	jsonResponse(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON: " + err.Error())
	}
	return nil
}

func (s *Server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Session.Status()
	st.RecoveredNotice = s.deps.Session.TakeRecoveredNotice()
	body := map[string]any{
		"status":  st,
		"filters": s.deps.Session.Filter(),
		"port":    s.port,
	}
	if s.deps.Seen != nil {
		body["dedup"] = s.deps.Seen.Stats(r.Context())
	}
	if s.deps.Images != nil {
		body["imageCacheEntries"] = s.deps.Images.Len()
	}
	if s.deps.Jobs != nil {
		body["jobs"] = s.deps.Jobs.Stats()
	}
	ok(w, body)
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"port": s.port})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats := []config.Category{}
	if s.deps.Catalog != nil {
		cats = s.deps.Catalog.Categories()
	}
	ok(w, map[string]any{"categories": cats})
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(w, r, badRequest("count must be a non-negative integer"))
			return
		}
		count = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ListingsTimeout)
	defer cancel()

	res, err := s.deps.Listings.Run(ctx, count)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{
		"items":             res.Items,
		"count":             len(res.Items),
		"filteredCount":     res.FilteredCount,
		"duplicatesRemoved": res.DuplicatesRemoved,
		"imageStats":        res.ImageStats,
		"recovered":         res.Recovered,
		"restartingSoon":    res.RestartingSoon,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		fail(w, r, badRequest("query is required"))
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.deps.Session.Search(ctx, query); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"query": query})
}

func (s *Server) handleSelectCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Category)
	if name == "" {
		fail(w, r, badRequest("category is required"))
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.deps.Session.SelectCategory(ctx, name); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"category": name})
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var loc filter.Location
	if err := decode(w, r, &loc); err != nil {
		fail(w, r, err)
		return
	}
	loc.City = strings.TrimSpace(loc.City)
	if loc.City == "" && (loc.Latitude == nil || loc.Longitude == nil) {
		fail(w, r, badRequest("city or latitude and longitude are required"))
		return
	}
	if loc.RadiusKm < 0 {
		fail(w, r, badRequest("radius must not be negative"))
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.deps.Session.SetLocation(ctx, loc); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"location": loc})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinPrice *int `json:"minPrice"`
		MaxPrice *int `json:"maxPrice"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.deps.Session.SetPrice(ctx, req.MinPrice, req.MaxPrice); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"minPrice": req.MinPrice, "maxPrice": req.MaxPrice})
}

func (s *Server) handleSetYear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinYear *int `json:"minYear"`
		MaxYear *int `json:"maxYear"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	serverSide, err := s.deps.Session.SetYear(ctx, req.MinYear, req.MaxYear)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{
		"minYear":                     req.MinYear,
		"maxYear":                     req.MaxYear,
		"yearFilterAppliedServerSide": serverSide,
	})
}

func (s *Server) handleSetAge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeMinutes *int `json:"maxAgeMinutes"`
	}
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.MaxAgeMinutes == nil {
		fail(w, r, badRequest("maxAgeMinutes is required"))
		return
	}
	if err := s.deps.Session.SetMaxAge(*req.MaxAgeMinutes); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"maxAgeMinutes": *req.MaxAgeMinutes})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if !s.deps.Session.RestartSession(ctx) {
		fail(w, r, browser.NewError(browser.KindFatalRecovery, "restart-browser", errors.New(s.deps.Session.Status().LastError)))
		return
	}
	ok(w, map[string]any{"generation": s.deps.Session.Status().Generation})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	if err := s.deps.Session.NavigateToMarketplace(ctx); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	outcome, err := s.deps.Session.RefreshPage(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"result": outcome, "restarted": outcome == recovery.RefreshRestarted})
}

func (s *Server) handleClearImages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		ok(w, nil)
		return
	}
	res, err := s.deps.Images.Clear()
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"sweep": res})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seen == nil {
		ok(w, nil)
		return
	}
	if err := s.deps.Seen.ClearGlobal(r.Context()); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"dedup": s.deps.Seen.Stats(r.Context())})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seen == nil {
		ok(w, nil)
		return
	}
	s.deps.Seen.ResetSession()
	ok(w, map[string]any{"dedup": s.deps.Seen.Stats(r.Context())})
}
