// Package health probes the live browser page without ever returning an
// error: every failure mode collapses into a boolean verdict.
package health

import (
	"context"
	"strings"
	"time"

	"marketwatch/internal/browser"
	"marketwatch/internal/logging"
)

// Config configures the monitor.
type Config struct {
	ProbeTimeout time.Duration
	// BlockingTexts are visible page texts that indicate a blocking error.
	BlockingTexts []string
	// BlockingURLFragments mark blocking interstitial pages by URL.
	BlockingURLFragments []string
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 5 * time.Second,
		BlockingTexts: []string{
			"Something went wrong",
			"Try reloading the page",
			"This page isn't available",
			"Что-то пошло не так",
		},
		BlockingURLFragments: []string{"/checkpoint/"},
	}
}

// Monitor answers two questions about the current page: is the session dead,
// and is a blocking error showing.
type Monitor struct {
	cfg    Config
	handle *browser.SessionHandle
}

// NewMonitor creates a monitor over handle.
func NewMonitor(cfg Config, handle *browser.SessionHandle) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{cfg: cfg, handle: handle}
}

// IsSessionDead reports whether the current page fails a cheap liveness probe.
// A missing page counts as dead. Probe errors, timeouts and driver panics all
// yield true.
func (m *Monitor) IsSessionDead(ctx context.Context) (dead bool) {
	page, _, err := m.handle.Current()
	if err != nil {
		return true
	}
	return m.PageDead(ctx, page)
}

// PageDead runs the liveness probe against page directly.
func (m *Monitor) PageDead(ctx context.Context, page browser.Page) (dead bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryHealth).Warn("liveness probe panicked: %v", r)
			dead = true
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if _, err := page.Title(probeCtx); err != nil {
		logging.Get(logging.CategoryHealth).Warn("liveness probe failed: %v", err)
		return true
	}
	return false
}

// HasBlockingError reports whether the current page shows a blocking error
// banner or interstitial. Probe failures yield false; liveness is judged
// separately by IsSessionDead.
func (m *Monitor) HasBlockingError(ctx context.Context) bool {
	page, _, err := m.handle.Current()
	if err != nil {
		return false
	}
	return m.PageBlocked(ctx, page)
}

// PageBlocked runs the blocking-error probe against page directly.
func (m *Monitor) PageBlocked(ctx context.Context, page browser.Page) (blocked bool) {
	log := logging.Get(logging.CategoryHealth)
	defer func() {
		if r := recover(); r != nil {
			log.Warn("blocking-error probe panicked: %v", r)
			blocked = false
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if u, err := page.URL(probeCtx); err == nil {
		for _, frag := range m.cfg.BlockingURLFragments {
			if frag != "" && strings.Contains(u, frag) {
				log.Info("blocking page detected by url %s", u)
				return true
			}
		}
	}

	if el, err := page.Find(probeCtx, browser.T(browser.IntentErrorBanner)); err == nil && el != nil {
		if visible, verr := el.Visible(probeCtx); verr == nil && visible {
			log.Info("blocking error banner visible")
			return true
		}
	}

	if found, err := page.ContainsText(probeCtx, m.cfg.BlockingTexts...); err == nil && found {
		log.Info("blocking error text present")
		return true
	}
	return false
}
