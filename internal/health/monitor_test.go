package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketwatch/internal/browser"
	"marketwatch/internal/browser/browsertest"
)

func newMonitor(page *browsertest.Page) *Monitor {
	h := browser.NewSessionHandle()
	if page != nil {
		h.Swap(browsertest.NewBrowser(), page)
	}
	return NewMonitor(DefaultConfig(), h)
}

func TestIsSessionDead(t *testing.T) {
	tests := []struct {
		name  string
		setup func() *browsertest.Page
		want  bool
	}{
		{"no page", func() *browsertest.Page { return nil }, true},
		{"healthy", browsertest.NewPage, false},
		{"probe error", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.TitleErr = errors.New("target closed")
			return p
		}, true},
		{"probe panic", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.Panic = true
			return p
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(tt.setup())
			if got := m.IsSessionDead(context.Background()); got != tt.want {
				t.Errorf("IsSessionDead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasBlockingError(t *testing.T) {
	tests := []struct {
		name  string
		setup func() *browsertest.Page
		want  bool
	}{
		{"no page", func() *browsertest.Page { return nil }, false},
		{"clean page", browsertest.NewPage, false},
		{"visible banner", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.Add(browser.IntentErrorBanner, browsertest.NewElement("alert"))
			return p
		}, true},
		{"hidden banner", func() *browsertest.Page {
			p := browsertest.NewPage()
			el := browsertest.NewElement("alert")
			el.Hidden = true
			p.Add(browser.IntentErrorBanner, el)
			return p
		}, false},
		{"error text", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.Body = "Something went wrong. Try again."
			return p
		}, true},
		{"checkpoint url", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.CurrentURL = "https://www.facebook.com/checkpoint/block/"
			return p
		}, true},
		{"login url", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.CurrentURL = "https://www.facebook.com/login/?next=marketplace"
			return p
		}, false},
		{"probe panic", func() *browsertest.Page {
			p := browsertest.NewPage()
			p.Panic = true
			return p
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(tt.setup())
			if got := m.HasBlockingError(context.Background()); got != tt.want {
				t.Errorf("HasBlockingError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultProbeTimeout(t *testing.T) {
	m := NewMonitor(Config{}, browser.NewSessionHandle())
	if m.cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %v", m.cfg.ProbeTimeout)
	}
}
