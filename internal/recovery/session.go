package recovery

import (
	"context"

	"marketwatch/internal/browser"
	"marketwatch/internal/filter"
)

// Session is the orchestrator as seen from inside Exclusive, where the page
// lock is already held.
type Session struct {
	o *Orchestrator
}

// Page returns the current page and its generation.
func (s *Session) Page() (browser.Page, uint64, error) {
	return s.o.sessions.Handle().Current()
}

// Browser returns the live browser, or nil.
func (s *Session) Browser() browser.Browser {
	return s.o.sessions.Handle().Browser()
}

// Valid reports whether gen is still the live generation.
func (s *Session) Valid(gen uint64) bool {
	return s.o.sessions.Handle().Valid(gen)
}

// Filter returns a copy of the filter state.
func (s *Session) Filter() filter.State { return s.o.Filter() }

// YearFilterServerSide reports whether the site applied the year filter.
func (s *Session) YearFilterServerSide() bool {
	return s.o.Status().YearFilterAppliedServerSide
}

// RestartingSoon reports whether a scheduled restart is pending.
func (s *Session) RestartingSoon() bool {
	return s.o.Status().RestartingSoon
}

// Dead reports whether the page fails its liveness probe.
func (s *Session) Dead(ctx context.Context) bool {
	return s.o.monitor.IsSessionDead(ctx)
}

// Blocked reports whether the page shows a blocking error.
func (s *Session) Blocked(ctx context.Context) bool {
	return s.o.monitor.HasBlockingError(ctx)
}

// Restart relaunches the browser and restores state.
func (s *Session) Restart(ctx context.Context) bool {
	if !s.o.restartSession(ctx) {
		return false
	}
	s.o.restoreState(ctx, s.o.Filter())
	return true
}

// AutoRecover restarts and replays every saved filter.
func (s *Session) AutoRecover(ctx context.Context) bool {
	return s.o.autoRecover(ctx)
}

// HandleCriticalError makes one recovery attempt for err.
func (s *Session) HandleCriticalError(ctx context.Context, op string, err error) error {
	return s.o.handleCriticalError(ctx, op, err)
}

// DismissCheckpoint runs the checkpoint handler once on the current page.
func (s *Session) DismissCheckpoint(ctx context.Context) error {
	page, _, err := s.Page()
	if err != nil {
		return err
	}
	_, err = s.o.checkpoints.Handle(ctx, page)
	return err
}

// TakeRecoveredNotice reports and clears the one-time recovered notice.
func (s *Session) TakeRecoveredNotice() bool { return s.o.TakeRecoveredNotice() }
