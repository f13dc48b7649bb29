package checkpoint

import (
	"context"
	"testing"
	"time"

	"marketwatch/internal/browser"
	"marketwatch/internal/browser/browsertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T) (*Handler, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	cfg := DefaultConfig()
	cfg.ScreenshotDir = t.TempDir()
	h := NewHandler(cfg, func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	return h, &slept
}

func checkpointPage() *browsertest.Page {
	p := browsertest.NewPage()
	p.CurrentURL = "https://www.facebook.com/checkpoint/828281030927956/"
	return p
}

func TestHandle_NoCheckpoint(t *testing.T) {
	h, _ := newHandler(t)
	res, err := h.Handle(context.Background(), browsertest.NewPage())
	require.NoError(t, err)
	assert.Equal(t, NoCheckpoint, res.State)
}

func TestHandle_NoDismissControlIsHealthy(t *testing.T) {
	h, _ := newHandler(t)
	page := checkpointPage()

	res, err := h.Handle(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, CheckpointDetected, res.State)
	assert.Zero(t, res.Attempts)
	assert.Empty(t, page.ScreenshotPaths())
}

func TestHandle_DismissedOnSecondAttempt(t *testing.T) {
	h, _ := newHandler(t)
	page := checkpointPage()
	btn := page.Add(browser.IntentCheckpointDismiss, browsertest.NewElement("Dismiss"))
	btn.OnClick = func() {
		if btn.Clicks() >= 2 {
			btn.SetHidden(true)
		}
	}

	res, err := h.Handle(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, Dismissed, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, page.ScreenshotPaths(), 1, "one failed attempt, one screenshot")
	assert.GreaterOrEqual(t, btn.Hovers(), 2)
}

func TestHandle_AllAttemptsFail(t *testing.T) {
	h, slept := newHandler(t)
	page := checkpointPage()
	btn := page.Add(browser.IntentCheckpointDismiss, browsertest.NewElement("Dismiss"))

	res, err := h.Handle(context.Background(), page)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrCheckpoint)
	assert.ErrorIs(t, err, ErrDismissFailed)
	assert.Equal(t, DismissFailed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, btn.Clicks())
	assert.Len(t, page.ScreenshotPaths(), 3)

	var jitters int
	for _, d := range *slept {
		if d >= 500*time.Millisecond && d <= 2000*time.Millisecond {
			jitters++
		}
	}
	assert.GreaterOrEqual(t, jitters, 2, "jittered delay between attempts")
}

func TestHandle_DetectsByMarkerText(t *testing.T) {
	h, _ := newHandler(t)
	page := browsertest.NewPage()
	page.Body = "We suspect automated behavior on your account"
	btn := page.Add(browser.IntentCheckpointDismiss, browsertest.NewElement("Dismiss"))
	btn.OnClick = func() { btn.SetHidden(true) }

	res, err := h.Handle(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, Dismissed, res.State)
	assert.Equal(t, 1, res.Attempts)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "dismiss_failed", DismissFailed.String())
	assert.Equal(t, "no_checkpoint", NoCheckpoint.String())
}
