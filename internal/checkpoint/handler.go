// Package checkpoint detects and dismisses the marketplace's interstitial
// checkpoint overlay.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"marketwatch/internal/browser"
	"marketwatch/internal/logging"
	"marketwatch/internal/retry"
)

// State is the outcome of a checkpoint pass.
type State int

const (
	NoCheckpoint State = iota
	CheckpointDetected
	DismissAttempted
	Dismissed
	DismissFailed
)

func (s State) String() string {
	switch s {
	case NoCheckpoint:
		return "no_checkpoint"
	case CheckpointDetected:
		return "checkpoint_detected"
	case DismissAttempted:
		return "dismiss_attempted"
	case Dismissed:
		return "dismissed"
	case DismissFailed:
		return "dismiss_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures the handler.
type Config struct {
	MaxAttempts   int
	JitterMin     time.Duration
	JitterMax     time.Duration
	PostClickWait time.Duration
	ScreenshotDir string
	// Markers are page texts that indicate a checkpoint overlay.
	Markers []string
	// URLFragments mark checkpoint pages by URL.
	URLFragments []string
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		JitterMin:     500 * time.Millisecond,
		JitterMax:     2000 * time.Millisecond,
		PostClickWait: 3 * time.Second,
		ScreenshotDir: "screenshots",
		Markers: []string{
			"We suspect automated behavior",
			"Confirm you're human",
			"Мы подозреваем автоматизированные действия",
		},
		URLFragments: []string{"/checkpoint/"},
	}
}

// ErrDismissFailed is wrapped into the error returned when every dismissal
// attempt left the overlay in place.
var ErrDismissFailed = errors.New("checkpoint dismissal failed")

// Result describes one Handle call.
type Result struct {
	State       State
	Attempts    int
	Screenshots []string
}

// Handler runs the checkpoint state machine against a page.
type Handler struct {
	cfg   Config
	human *browser.Humanizer
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewHandler creates a handler. sleep defaults to retry.Sleep.
func NewHandler(cfg Config, sleep func(ctx context.Context, d time.Duration) error) *Handler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if sleep == nil {
		sleep = retry.Sleep
	}
	return &Handler{
		cfg:   cfg,
		human: browser.NewHumanizer(sleep),
		sleep: sleep,
		now:   time.Now,
	}
}

// Detect reports whether page shows a checkpoint.
func (h *Handler) Detect(ctx context.Context, page browser.Page) bool {
	if u, err := page.URL(ctx); err == nil {
		for _, frag := range h.cfg.URLFragments {
			if frag != "" && strings.Contains(u, frag) {
				return true
			}
		}
	}
	found, err := page.ContainsText(ctx, h.cfg.Markers...)
	return err == nil && found
}

// Handle detects a checkpoint and tries to dismiss it. A detected checkpoint
// without a visible dismiss control is treated as non-blocking and yields
// CheckpointDetected with a nil error. Exhausting all attempts yields
// DismissFailed and a KindCheckpoint session error.
func (h *Handler) Handle(ctx context.Context, page browser.Page) (Result, error) {
	log := logging.Get(logging.CategoryCheckpoint)
	res := Result{State: NoCheckpoint}

	if !h.Detect(ctx, page) {
		return res, nil
	}
	res.State = CheckpointDetected
	log.Info("checkpoint detected")

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		el, err := page.Find(ctx, browser.T(browser.IntentCheckpointDismiss))
		if err != nil || el == nil {
			if attempt == 1 {
				log.Info("no dismiss control present, treating page as not blocking")
				return res, nil
			}
			log.Info("dismiss control gone after attempt %d", attempt-1)
			res.State = Dismissed
			return res, nil
		}
		visible, verr := el.Visible(ctx)
		if verr != nil || !visible {
			if attempt == 1 {
				log.Info("dismiss control not visible, treating page as not blocking")
				return res, nil
			}
			res.State = Dismissed
			return res, nil
		}

		res.State = DismissAttempted
		res.Attempts = attempt

		if err := h.human.Wander(ctx, page); err != nil && ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := h.human.Click(ctx, page, el); err != nil {
			log.Warn("dismiss click attempt %d failed: %v", attempt, err)
		} else if err := h.sleep(ctx, h.cfg.PostClickWait); err != nil {
			return res, err
		}

		if gone, _ := h.controlGone(ctx, page); gone {
			res.State = Dismissed
			log.Info("checkpoint dismissed after %d attempt(s)", attempt)
			return res, nil
		}

		shot := filepath.Join(h.cfg.ScreenshotDir, fmt.Sprintf("checkpoint_failure_%d_%d.png", h.now().Unix(), attempt))
		if err := page.Screenshot(ctx, shot); err != nil {
			log.Warn("failure screenshot: %v", err)
		} else {
			res.Screenshots = append(res.Screenshots, shot)
		}

		if attempt < h.cfg.MaxAttempts {
			if err := h.sleep(ctx, retry.Jitter(h.cfg.JitterMin, h.cfg.JitterMax)); err != nil {
				return res, err
			}
		}
	}

	res.State = DismissFailed
	log.Error("checkpoint still present after %d attempts", res.Attempts)
	return res, browser.NewError(browser.KindCheckpoint, "dismiss checkpoint",
		fmt.Errorf("%w after %d attempts", ErrDismissFailed, res.Attempts))
}

func (h *Handler) controlGone(ctx context.Context, page browser.Page) (bool, error) {
	el, err := page.Find(ctx, browser.T(browser.IntentCheckpointDismiss))
	if errors.Is(err, browser.ErrNotFound) || (err == nil && el == nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	visible, err := el.Visible(ctx)
	if err != nil {
		return false, err
	}
	return !visible, nil
}
