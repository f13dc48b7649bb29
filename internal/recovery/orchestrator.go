// Package recovery owns the browser session and the filter state. It restarts
// the browser, dismisses checkpoints and replays the user's filters so that a
// crashed or blocked session comes back looking the way the user left it.
//
// All page access is serialized through one lock. Public methods take it;
// code already holding it (the listings pipeline, via Exclusive) uses the
// Session methods instead.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"marketwatch/internal/browser"
	"marketwatch/internal/checkpoint"
	"marketwatch/internal/filter"
	"marketwatch/internal/health"
	"marketwatch/internal/logging"
	"marketwatch/internal/retry"
)

// Actions are the marketplace controls used to apply filters.
type Actions interface {
	NavigateHome(ctx context.Context, page browser.Page) error
	DismissPopup(ctx context.Context, page browser.Page) bool
	SelectCategory(ctx context.Context, page browser.Page, name string) error
	Search(ctx context.Context, page browser.Page, query string) error
	SetLocation(ctx context.Context, page browser.Page, loc filter.Location) error
	SetPrice(ctx context.Context, page browser.Page, min, max *int) error
	ApplyYear(ctx context.Context, page browser.Page, min, max *int) (bool, error)
	ApplyRecency(ctx context.Context, page browser.Page) error
}

// Options configures an Orchestrator.
type Options struct {
	// RestartGrace is how long a scheduled restart waits after announcing
	// itself, so pollers can back off.
	RestartGrace  time.Duration
	ReloadTimeout time.Duration
	// ReplayPause separates replayed filter steps.
	ReplayPause time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
}

// Orchestrator drives the session lifecycle.
type Orchestrator struct {
	sessions    *browser.SessionManager
	monitor     *health.Monitor
	checkpoints *checkpoint.Handler
	site        Actions
	human       *browser.Humanizer
	opts        Options

	lock   chan struct{}
	flight singleflight.Group

	mu         sync.Mutex
	state      filter.State
	status     Status
	recovering bool
}

// New creates an orchestrator in the Starting stage.
func New(sessions *browser.SessionManager, monitor *health.Monitor, checkpoints *checkpoint.Handler, site Actions, opts Options) *Orchestrator {
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 30 * time.Second
	}
	if opts.RestartGrace < 0 {
		opts.RestartGrace = 0
	}
	return &Orchestrator{
		sessions:    sessions,
		monitor:     monitor,
		checkpoints: checkpoints,
		site:        site,
		human:       browser.NewHumanizer(opts.Sleep),
		opts:        opts,
		lock:        make(chan struct{}, 1),
		status:      Status{Stage: StageStarting},
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() { <-o.lock }

func (o *Orchestrator) update(fn func(s *Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return o.opts.Sleep(ctx, d)
}

// Exclusive runs fn while holding the page lock.
func (o *Orchestrator) Exclusive(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()
	return fn(ctx, &Session{o: o})
}

// Start launches the first session. Failure leaves the orchestrator Fatal.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()
	if !o.restartSession(ctx) {
		return browser.NewError(browser.KindFatalRecovery, "start", errors.New(o.Status().LastError))
	}
	return nil
}

// Close tears the session down.
func (o *Orchestrator) Close() error {
	o.update(func(s *Status) { s.Active = false })
	return o.sessions.Shutdown()
}

// Handle returns the session handle.
func (o *Orchestrator) Handle() *browser.SessionHandle { return o.sessions.Handle() }

// Status returns a copy of the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := o.status
	o.mu.Unlock()
	st.Generation = o.sessions.Handle().Generation()
	return st
}

// TakeRecoveredNotice reports whether a recovery happened since the last
// call, and clears the flag.
func (o *Orchestrator) TakeRecoveredNotice() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.status.RecoveredNotice
	o.status.RecoveredNotice = false
	return n
}

// Filter returns a copy of the filter state.
func (o *Orchestrator) Filter() filter.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

func (o *Orchestrator) setFilter(st filter.State) {
	o.mu.Lock()
	o.state = st.Clone()
	o.mu.Unlock()
}

// editFilter applies edit to the saved filter state under one lock hold.
func (o *Orchestrator) editFilter(edit func(filter.State) (filter.State, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := edit(o.state)
	if err != nil {
		return err
	}
	o.state = next.Clone()
	return nil
}

// restartSession relaunches the browser, lands on the base page and handles
// any checkpoint once. It never returns an error; the caller branches on the
// result. Requires the lock.
func (o *Orchestrator) restartSession(ctx context.Context) bool {
	o.update(func(s *Status) {
		s.Stage = StageRestarting
		s.Active = false
	})
	logging.Recovery("restarting browser session")

	if err := o.sessions.Relaunch(ctx); err != nil {
		logging.RecoveryError("browser restart failed: %v", err)
		o.update(func(s *Status) {
			s.Stage = StageFatal
			s.LastError = err.Error()
		})
		return false
	}

	page, _, err := o.sessions.Handle().Current()
	if err != nil {
		o.update(func(s *Status) {
			s.Stage = StageFatal
			s.LastError = err.Error()
		})
		return false
	}
	if err := o.human.Wander(ctx, page); err != nil {
		logging.BrowserDebug("wander after launch: %v", err)
	}
	if res, err := o.checkpoints.Handle(ctx, page); err != nil {
		logging.RecoveryWarn("checkpoint after restart: %s: %v", res.State, err)
	}

	info := o.sessions.Info(ctx)
	loggedIn := o.sessions.LoggedIn(ctx)
	o.update(func(s *Status) {
		s.Stage = StageRunning
		s.Active = true
		s.LoggedIn = loggedIn
		s.Launches = info.Launches
		s.LastError = ""
	})
	logging.Recovery("browser session restarted (generation %d)", info.Generation)
	return true
}

// restoreState re-applies category, search and the recency filter from st.
// Each step is independent; failures are logged. Requires the lock.
func (o *Orchestrator) restoreState(ctx context.Context, st filter.State) {
	page, _, err := o.sessions.Handle().Current()
	if err != nil {
		logging.RecoveryWarn("restore state: %v", err)
		return
	}
	log := logging.Get(logging.CategoryRecovery)

	if st.SelectedCategory != "" {
		if err := o.site.SelectCategory(ctx, page, st.SelectedCategory); err != nil {
			log.Warn("restore category %q: %v", st.SelectedCategory, err)
		}
	}
	if st.SearchQuery != "" {
		if err := o.site.Search(ctx, page, st.SearchQuery); err != nil {
			log.Warn("restore search %q: %v", st.SearchQuery, err)
		}
	}
	if st.HasLocation() {
		if err := o.site.ApplyRecency(ctx, page); err != nil {
			log.Warn("restore recency filter: %v", err)
		}
	}
	log.Info("state restored")
}

// replayFilters re-runs each saved filter through its setter. Requires the
// lock.
func (o *Orchestrator) replayFilters(ctx context.Context, st filter.State) {
	page, _, err := o.sessions.Handle().Current()
	if err != nil {
		return
	}
	log := logging.Get(logging.CategoryRecovery)

	if st.HasLocation() {
		_ = o.pause(ctx, o.opts.ReplayPause)
		if err := o.site.SetLocation(ctx, page, st.Location()); err != nil {
			log.Warn("replay location: %v", err)
		}
	}
	if st.HasPrice() {
		_ = o.pause(ctx, o.opts.ReplayPause)
		if err := o.site.SetPrice(ctx, page, st.MinPrice, st.MaxPrice); err != nil {
			log.Warn("replay price: %v", err)
		}
	}
	if st.HasYear() {
		_ = o.pause(ctx, o.opts.ReplayPause)
		native, err := o.site.ApplyYear(ctx, page, st.MinYear, st.MaxYear)
		if err != nil {
			log.Warn("replay year: %v", err)
		}
		o.update(func(s *Status) { s.YearFilterAppliedServerSide = native })
	}
}

// autoRecover restarts the session and puts the saved filters back. The
// filter state after a successful recovery equals the state before it.
// Requires the lock.
func (o *Orchestrator) autoRecover(ctx context.Context) bool {
	o.mu.Lock()
	if o.recovering {
		o.mu.Unlock()
		logging.RecoveryWarn("recovery already in progress")
		return false
	}
	o.recovering = true
	saved := o.state.Clone()
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.recovering = false
		o.mu.Unlock()
	}()

	id := uuid.NewString()
	log := logging.Get(logging.CategoryRecovery).With("recovery_id", id)
	log.Info("auto-recovery started")
	o.update(func(s *Status) { s.Stage = StageRecovering })

	if !o.restartSession(ctx) {
		log.Error("auto-recovery failed: restart unsuccessful")
		return false
	}

	o.setFilter(saved)
	o.restoreState(ctx, saved)
	o.replayFilters(ctx, saved)

	now := o.opts.Now()
	o.update(func(s *Status) {
		s.Stage = StageRunning
		s.LastRecoveryAt = &now
		s.LastRecoveryID = id
		s.RecoveredNotice = true
	})
	log.Info("auto-recovery completed")
	return true
}

// handleCriticalError makes one recovery attempt for err. Requires the lock.
func (o *Orchestrator) handleCriticalError(ctx context.Context, op string, err error) error {
	logging.RecoveryWarn("critical error in %s: %v", op, err)
	if o.autoRecover(ctx) {
		logging.Recovery("recovered from critical error in %s", op)
		return nil
	}
	return browser.NewError(browser.KindFatalRecovery, op, err)
}

// RestartSession restarts the browser and restores state. Concurrent callers
// share one restart.
func (o *Orchestrator) RestartSession(ctx context.Context) bool {
	v, _, _ := o.flight.Do("restart", func() (interface{}, error) {
		if err := o.acquire(ctx); err != nil {
			return false, err
		}
		defer o.release()
		if !o.restartSession(ctx) {
			return false, nil
		}
		o.restoreState(ctx, o.Filter())
		return true, nil
	})
	ok, _ := v.(bool)
	return ok
}

// AutoRecover restarts the session and replays every saved filter.
func (o *Orchestrator) AutoRecover(ctx context.Context) bool {
	if err := o.acquire(ctx); err != nil {
		return false
	}
	defer o.release()
	return o.autoRecover(ctx)
}

// RestoreState re-applies the saved category, search and recency filter to
// the current page.
func (o *Orchestrator) RestoreState(ctx context.Context) {
	if err := o.acquire(ctx); err != nil {
		return
	}
	defer o.release()
	o.restoreState(ctx, o.Filter())
}

// HandleCriticalError delegates to one auto-recovery attempt and returns a
// KindFatalRecovery error if it fails.
func (o *Orchestrator) HandleCriticalError(ctx context.Context, op string, err error) error {
	if aerr := o.acquire(ctx); aerr != nil {
		return aerr
	}
	defer o.release()
	return o.handleCriticalError(ctx, op, err)
}

// ScheduledRestart announces a restart, waits the grace period, then
// restarts and restores state.
func (o *Orchestrator) ScheduledRestart(ctx context.Context) error {
	o.update(func(s *Status) { s.RestartingSoon = true })
	defer o.update(func(s *Status) { s.RestartingSoon = false })
	logging.Recovery("scheduled restart in %s", o.opts.RestartGrace)

	if err := o.pause(ctx, o.opts.RestartGrace); err != nil {
		return err
	}
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	if !o.restartSession(ctx) {
		return browser.NewError(browser.KindFatalRecovery, "scheduled restart", errors.New("restart failed"))
	}
	o.restoreState(ctx, o.Filter())
	return nil
}

// withPage runs fn on the current page under the lock, after handling any
// checkpoint. Critical page errors go through one recovery attempt; the
// original error is still returned when recovery succeeds, since fn did not
// complete.
func (o *Orchestrator) withPage(ctx context.Context, op string, fn func(ctx context.Context, page browser.Page) error) error {
	if err := o.acquire(ctx); err != nil {
		return err
	}
	defer o.release()

	page, _, err := o.sessions.Handle().Current()
	if err != nil {
		return err
	}
	if res, err := o.checkpoints.Handle(ctx, page); err != nil {
		logging.RecoveryWarn("%s: checkpoint %s: %v", op, res.State, err)
	}

	err = fn(ctx, page)
	if err == nil {
		return nil
	}
	if browser.IsCriticalPageError(err) {
		if rerr := o.handleCriticalError(ctx, op, err); rerr != nil {
			return rerr
		}
		return browser.NewError(browser.KindTransient, op, fmt.Errorf("session recovered, retry: %w", err))
	}
	return err
}

// NavigateToMarketplace opens the landing page and closes any popup.
func (o *Orchestrator) NavigateToMarketplace(ctx context.Context) error {
	return o.withPage(ctx, "navigate-to-marketplace", o.site.NavigateHome)
}

// SelectCategory opens a category and saves it.
func (o *Orchestrator) SelectCategory(ctx context.Context, name string) error {
	err := o.withPage(ctx, "select-category", func(ctx context.Context, page browser.Page) error {
		return o.site.SelectCategory(ctx, page, name)
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.state.SelectedCategory = name
	o.mu.Unlock()
	return nil
}

// Search runs a query and saves it.
func (o *Orchestrator) Search(ctx context.Context, query string) error {
	err := o.withPage(ctx, "search", func(ctx context.Context, page browser.Page) error {
		return o.site.Search(ctx, page, query)
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.state.SearchQuery = query
	o.mu.Unlock()
	return nil
}

// SetLocation applies a location and saves it.
func (o *Orchestrator) SetLocation(ctx context.Context, loc filter.Location) error {
	err := o.withPage(ctx, "set-location", func(ctx context.Context, page browser.Page) error {
		return o.site.SetLocation(ctx, page, loc)
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.state = o.state.WithLocation(loc)
	o.mu.Unlock()
	return nil
}

// SetPrice applies a price range and saves it.
func (o *Orchestrator) SetPrice(ctx context.Context, min, max *int) error {
	if _, err := o.Filter().WithPrice(min, max); err != nil {
		return err
	}
	err := o.withPage(ctx, "set-price-filter", func(ctx context.Context, page browser.Page) error {
		return o.site.SetPrice(ctx, page, min, max)
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.state, _ = o.state.WithPrice(min, max)
	o.mu.Unlock()
	return nil
}

// SetYear saves a year range and tries to apply it on the site. When the
// site cannot filter by year the pipeline filters client-side.
func (o *Orchestrator) SetYear(ctx context.Context, min, max *int) (serverSide bool, err error) {
	err = o.editFilter(func(st filter.State) (filter.State, error) {
		return st.WithYear(min, max)
	})
	if err != nil {
		return false, err
	}

	if !o.sessions.Handle().Ready() {
		o.update(func(s *Status) { s.YearFilterAppliedServerSide = false })
		return false, nil
	}
	err = o.withPage(ctx, "set-year-filter", func(ctx context.Context, page browser.Page) error {
		var aerr error
		serverSide, aerr = o.site.ApplyYear(ctx, page, min, max)
		return aerr
	})
	if err != nil {
		logging.RecoveryWarn("year filter kept client-side: %v", err)
		serverSide = false
	}
	o.update(func(s *Status) { s.YearFilterAppliedServerSide = serverSide })
	return serverSide, nil
}

// SetMaxAge saves the listing age limit. It is applied by the pipeline only.
func (o *Orchestrator) SetMaxAge(minutes int) error {
	return o.editFilter(func(st filter.State) (filter.State, error) {
		return st.WithMaxAge(&minutes)
	})
}

// RefreshPage reloads the page. A dead session is restarted instead, and a
// reload that fails critically goes through one recovery attempt.
func (o *Orchestrator) RefreshPage(ctx context.Context) (RefreshOutcome, error) {
	if err := o.acquire(ctx); err != nil {
		return "", err
	}
	defer o.release()

	page, _, err := o.sessions.Handle().Current()
	if err != nil {
		return "", err
	}
	if o.monitor.PageDead(ctx, page) {
		logging.RecoveryWarn("refresh: session dead, restarting")
		if !o.restartSession(ctx) {
			return "", browser.NewError(browser.KindFatalRecovery, "refresh-page", errors.New("restart failed"))
		}
		o.restoreState(ctx, o.Filter())
		return RefreshRestarted, nil
	}

	reloadCtx, cancel := context.WithTimeout(ctx, o.opts.ReloadTimeout)
	err = page.Reload(reloadCtx)
	cancel()
	if err == nil {
		return RefreshReloaded, nil
	}
	if browser.IsCriticalPageError(err) {
		if rerr := o.handleCriticalError(ctx, "refresh-page", err); rerr != nil {
			return "", rerr
		}
		return RefreshRestarted, nil
	}
	return "", browser.NewError(browser.KindTransient, "refresh-page", err)
}
