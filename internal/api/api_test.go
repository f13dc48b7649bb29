package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketwatch/internal/browser"
	"marketwatch/internal/config"
	"marketwatch/internal/dedup"
	"marketwatch/internal/filter"
	"marketwatch/internal/imagecache"
	"marketwatch/internal/listing"
	"marketwatch/internal/marketplace"
	"marketwatch/internal/pipeline"
	"marketwatch/internal/recovery"
)

type fakeSession struct {
	mu       sync.Mutex
	state    filter.State
	status   recovery.Status
	notice   bool
	err      error
	restart  bool
	outcome  recovery.RefreshOutcome
	lastCall string
}

func (f *fakeSession) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = name
	return f.err
}

func (f *fakeSession) Status() recovery.Status { return f.status }
func (f *fakeSession) TakeRecoveredNotice() bool {
	n := f.notice
	f.notice = false
	return n
}
func (f *fakeSession) Filter() filter.State { return f.state }
func (f *fakeSession) RestartSession(ctx context.Context) bool {
	_ = f.call("restart")
	return f.restart
}
func (f *fakeSession) NavigateToMarketplace(ctx context.Context) error { return f.call("navigate") }
func (f *fakeSession) SelectCategory(ctx context.Context, name string) error {
	if err := f.call("category"); err != nil {
		return err
	}
	f.state.SelectedCategory = name
	return nil
}
func (f *fakeSession) Search(ctx context.Context, query string) error {
	if err := f.call("search"); err != nil {
		return err
	}
	f.state.SearchQuery = query
	return nil
}
func (f *fakeSession) SetLocation(ctx context.Context, loc filter.Location) error {
	if err := f.call("location"); err != nil {
		return err
	}
	f.state = f.state.WithLocation(loc)
	return nil
}
func (f *fakeSession) SetPrice(ctx context.Context, min, max *int) error {
	next, err := f.state.WithPrice(min, max)
	if err != nil {
		return err
	}
	if err := f.call("price"); err != nil {
		return err
	}
	f.state = next
	return nil
}
func (f *fakeSession) SetYear(ctx context.Context, min, max *int) (bool, error) {
	next, err := f.state.WithYear(min, max)
	if err != nil {
		return false, err
	}
	f.state = next
	return false, f.call("year")
}
func (f *fakeSession) SetMaxAge(minutes int) error {
	next, err := f.state.WithMaxAge(&minutes)
	if err != nil {
		return err
	}
	f.state = next
	return nil
}
func (f *fakeSession) RefreshPage(ctx context.Context) (recovery.RefreshOutcome, error) {
	return f.outcome, f.call("refresh")
}

type fakeListings struct {
	res   *pipeline.Result
	err   error
	count int
}

func (f *fakeListings) Run(ctx context.Context, count int) (*pipeline.Result, error) {
	f.count = count
	return f.res, f.err
}

type catalog []config.Category

func (c catalog) Categories() []config.Category { return c }

type harness struct {
	srv      *Server
	session  *fakeSession
	listings *fakeListings
	seen     *dedup.Store
	images   *imagecache.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		session:  &fakeSession{restart: true, outcome: recovery.RefreshReloaded},
		listings: &fakeListings{res: &pipeline.Result{Items: []listing.Item{}}},
		seen:     dedup.New(nil, dedup.DefaultOptions()),
		images:   imagecache.New(imagecache.Options{Dir: t.TempDir()}, nil),
	}
	h.srv = New(Deps{
		Session:  h.session,
		Listings: h.listings,
		Seen:     h.seen,
		Images:   h.images,
		Catalog:  catalog(config.DefaultBrowserConfig().Categories),
	}, Options{})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestStatusTakesRecoveredNoticeOnce(t *testing.T) {
	h := newHarness(t)
	h.session.status = recovery.Status{Stage: recovery.StageRunning, Active: true, Generation: 3}
	h.session.notice = true

	code, body := h.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	st := body["status"].(map[string]any)
	assert.Equal(t, "running", st["stage"])
	assert.Equal(t, true, st["recoveredNotice"])
	assert.Contains(t, body, "dedup")

	_, body = h.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, false, body["status"].(map[string]any)["recoveredNotice"])
}

func TestCategories(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodGet, "/categories", nil)
	cats := body["categories"].([]any)
	require.NotEmpty(t, cats)
	assert.Equal(t, "Vehicles", cats[0].(map[string]any)["name"])
}

func TestSearch(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/search", map[string]string{"query": "  sofa "})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sofa", body["query"])
	assert.Equal(t, "sofa", h.session.state.SearchQuery)

	code, body = h.do(t, http.MethodPost, "/search", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{"not ready", browser.NewError(browser.KindNotReady, "search", nil), http.StatusBadRequest, "not_ready"},
		{"fatal", browser.NewError(browser.KindFatalRecovery, "search", errors.New("no chrome")), http.StatusInternalServerError, "fatal_recovery"},
		{"transient", browser.NewError(browser.KindTransient, "search", errors.New("session recovered, retry")), http.StatusInternalServerError, "transient"},
		{"unknown category", marketplace.ErrUnknownCategory, http.StatusBadRequest, ""},
		{"plain", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.session.err = tt.err
			code, body := h.do(t, http.MethodPost, "/select-category", map[string]string{"category": "Vehicles"})
			assert.Equal(t, tt.want, code)
			assert.Equal(t, false, body["success"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["kind"])
			}
		})
	}
}

func TestFilterEndpoints(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodPost, "/set-location", map[string]any{"city": "Austin", "radius": 40})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Austin", h.session.state.LocationCity)
	assert.Equal(t, 40, h.session.state.RadiusKm)

	code, _ = h.do(t, http.MethodPost, "/set-location", map[string]any{"radius": 40})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/set-price-filter", map[string]any{"minPrice": 100, "maxPrice": 50})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/set-price-filter", map[string]any{"minPrice": 50})
	assert.Equal(t, http.StatusOK, code)
	require.NotNil(t, h.session.state.MinPrice)
	assert.Nil(t, h.session.state.MaxPrice)

	code, body := h.do(t, http.MethodPost, "/set-year-filter", map[string]any{"minYear": 2015})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["yearFilterAppliedServerSide"])

	code, _ = h.do(t, http.MethodPost, "/set-age-filter", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/set-age-filter", map[string]any{"maxAgeMinutes": 0})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/set-age-filter", map[string]any{"maxAgeMinutes": 60})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 60, *h.session.state.MaxAgeMinutes)
}

func TestInvalidJSON(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListings(t *testing.T) {
	h := newHarness(t)
	h.listings.res = &pipeline.Result{
		Items:             []listing.Item{{Snapshot: listing.Snapshot{Title: "Sofa", URL: "u1"}, ModelName: "Sofa"}},
		FilteredCount:     2,
		DuplicatesRemoved: 1,
		ImageStats:        imagecache.Stats{Downloaded: 1},
		Recovered:         true,
		RestartingSoon:    true,
	}

	code, body := h.do(t, http.MethodGet, "/listings?count=5", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, h.listings.count)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 2, body["filteredCount"])
	assert.EqualValues(t, 1, body["duplicatesRemoved"])
	assert.Equal(t, true, body["recovered"])
	assert.Equal(t, true, body["restartingSoon"])
	item := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "u1", item["itemUrl"])

	code, _ = h.do(t, http.MethodGet, "/listings?count=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	h.listings.err = browser.NewError(browser.KindNotReady, "session", nil)
	code, _ = h.do(t, http.MethodGet, "/listings", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 0, h.listings.count)
}

func TestSessionControls(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(t, http.MethodPost, "/restart-browser", nil)
	assert.Equal(t, http.StatusOK, code)

	h.session.restart = false
	h.session.status.LastError = "no chrome"
	code, body := h.do(t, http.MethodPost, "/restart-browser", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "fatal_recovery", body["kind"])

	code, body = h.do(t, http.MethodPost, "/refresh-page", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["result"])

	code, _ = h.do(t, http.MethodPost, "/navigate-to-marketplace", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "navigate", h.session.lastCall)
}

func TestCacheEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.seen.RecordAll(ctx, []string{"a", "b"}))

	code, body := h.do(t, http.MethodPost, "/reset-session", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["dedup"].(map[string]any)["session"])
	assert.EqualValues(t, 2, body["dedup"].(map[string]any)["global"])

	code, body = h.do(t, http.MethodPost, "/clear-cache", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["dedup"].(map[string]any)["global"])
	assert.False(t, h.seen.Has(ctx, "a"))

	old := filepath.Join(h.images.Dir(), "Old_1_abcd1234.png")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0644))
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	code, body = h.do(t, http.MethodPost, "/clear-image-cache", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["sweep"].(map[string]any)["expired"])
	assert.NoFileExists(t, old)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListenFallsBackAndWritesPortFile(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	portFile := filepath.Join(t.TempDir(), "run", "port.txt")
	h := newHarness(t)
	srv := New(h.srv.deps, Options{Host: "127.0.0.1", Port: busyPort, BackupPorts: []int{busyPort}, PortFile: portFile})

	port, err := srv.Listen()
	require.NoError(t, err)
	assert.NotEqual(t, busyPort, port)

	got, err := ReadPortFile(portFile)
	require.NoError(t, err)
	assert.Equal(t, port, got)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/port")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.EqualValues(t, port, body["port"])

	cancel()
	require.NoError(t, <-done)
	assert.NoFileExists(t, portFile)
}

