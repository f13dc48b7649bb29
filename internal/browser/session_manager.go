package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marketwatch/internal/logging"
)

// lockFiles are left behind in the profile directory when a browser dies
// uncleanly and block the next launch against the same profile.
var lockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket", "parent.lock", ".parentlock"}

// Config configures the SessionManager.
type Config struct {
	Launch            LaunchOptions
	BaseURL           string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// NavTimeout returns the navigation timeout with a default.
func (c Config) NavTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 60 * time.Second
	}
	return c.NavigationTimeout
}

// SessionInfo describes the current browser session.
type SessionInfo struct {
	Generation uint64    `json:"generation"`
	LaunchedAt time.Time `json:"launchedAt"`
	Launches   int       `json:"launches"`
	Connected  bool      `json:"connected"`
}

// SessionManager launches, tears down and relaunches the single browser
// session, publishing each new page through the SessionHandle.
type SessionManager struct {
	cfg      Config
	launcher Launcher
	handle   *SessionHandle
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	launchedAt time.Time
	launches   int
}

// NewSessionManager creates a manager. sleep is used for the settle delay and
// may be nil in tests.
func NewSessionManager(cfg Config, launcher Launcher, handle *SessionHandle, sleep func(ctx context.Context, d time.Duration) error) *SessionManager {
	if handle == nil {
		handle = NewSessionHandle()
	}
	return &SessionManager{cfg: cfg, launcher: launcher, handle: handle, sleep: sleep}
}

// Handle returns the session handle the manager publishes to.
func (m *SessionManager) Handle() *SessionHandle { return m.handle }

// BaseURL returns the marketplace landing URL.
func (m *SessionManager) BaseURL() string { return m.cfg.BaseURL }

// Config returns the manager's configuration.
func (m *SessionManager) Config() Config { return m.cfg }

// Relaunch tears down any existing session, clears stale profile locks,
// waits for the settle delay, launches a fresh browser and navigates it to the
// base URL. On success the new page is installed in the handle under a new
// generation.
func (m *SessionManager) Relaunch(ctx context.Context) error {
	if err := m.Shutdown(); err != nil {
		logging.BrowserWarn("teardown before relaunch: %v", err)
	}

	removed := RemoveLockFiles(m.cfg.Launch.ProfileDir)
	if removed > 0 {
		logging.Browser("removed %d stale profile lock files", removed)
	}

	if m.sleep != nil && m.cfg.SettleDelay > 0 {
		if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
			return err
		}
	}

	b, page, err := m.launcher.Launch(ctx, m.cfg.Launch)
	if err != nil {
		return NewError(KindTransient, "launch", err)
	}

	if m.cfg.BaseURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout())
		err := page.Navigate(navCtx, m.cfg.BaseURL)
		cancel()
		if err != nil {
			_ = page.Close()
			_ = b.Close()
			return NewError(KindTransient, "navigate", err)
		}
	}

	_, _, gen := m.handle.Swap(b, page)

	m.mu.Lock()
	m.launchedAt = time.Now()
	m.launches++
	m.mu.Unlock()

	logging.Browser("browser session ready (generation %d)", gen)
	return nil
}

// Shutdown closes the current page and browser, best effort.
func (m *SessionManager) Shutdown() error {
	b, p := m.handle.Clear()
	var errs []error
	if p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Info returns a snapshot of session metadata.
func (m *SessionManager) Info(ctx context.Context) SessionInfo {
	m.mu.Lock()
	info := SessionInfo{LaunchedAt: m.launchedAt, Launches: m.launches}
	m.mu.Unlock()
	info.Generation = m.handle.Generation()
	if b := m.handle.Browser(); b != nil {
		info.Connected = b.Alive(ctx)
	}
	return info
}

// LoggedIn reports whether the current page shows a signed-in marker.
func (m *SessionManager) LoggedIn(ctx context.Context) bool {
	page, _, err := m.handle.Current()
	if err != nil {
		return false
	}
	el, err := page.Find(ctx, T(IntentLoggedInMarker))
	return err == nil && el != nil
}

// OpenTab opens an extra tab on the live browser.
func (m *SessionManager) OpenTab(ctx context.Context, url string) (Page, error) {
	b := m.handle.Browser()
	if b == nil {
		return nil, NewError(KindNotReady, "open tab", nil)
	}
	return b.NewPage(ctx, url)
}

// RemoveLockFiles deletes known browser lock files from dir and returns how
// many were removed.
func RemoveLockFiles(dir string) int {
	if dir == "" {
		return 0
	}
	removed := 0
	for _, name := range lockFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			logging.BrowserWarn("remove lock file %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed
}
