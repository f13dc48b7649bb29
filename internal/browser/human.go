package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"
)

// Humanizer produces randomized pointer movement and click timing.
type Humanizer struct {
	Rand  *rand.Rand
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewHumanizer returns a Humanizer seeded from the clock.
func NewHumanizer(sleep func(ctx context.Context, d time.Duration) error) *Humanizer {
	return &Humanizer{
		Rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		Sleep: sleep,
	}
}

func (h *Humanizer) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(h.Rand.Int63n(int64(hi-lo)+1))
}

func (h *Humanizer) pause(ctx context.Context, lo, hi time.Duration) error {
	if h.Sleep == nil {
		return nil
	}
	return h.Sleep(ctx, h.between(lo, hi))
}

// Wander moves the pointer through a few random viewport points.
func (h *Humanizer) Wander(ctx context.Context, p Page) error {
	w, ht := p.Viewport()
	if w <= 0 || ht <= 0 {
		w, ht = 1366, 768
	}
	moves := 2 + h.Rand.Intn(3)
	for i := 0; i < moves; i++ {
		to := Point{
			X: float64(50 + h.Rand.Intn(max(w-100, 1))),
			Y: float64(50 + h.Rand.Intn(max(ht-100, 1))),
		}
		if err := p.MoveMouse(ctx, to, 5+h.Rand.Intn(15)); err != nil {
			return err
		}
		if err := h.pause(ctx, 50*time.Millisecond, 250*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// Click moves to a jittered point inside el, hovers, pauses and clicks.
func (h *Humanizer) Click(ctx context.Context, p Page, el Element) error {
	if c, err := el.Center(ctx); err == nil {
		target := Point{
			X: c.X + float64(h.Rand.Intn(11)-5),
			Y: c.Y + float64(h.Rand.Intn(7)-3),
		}
		_ = p.MoveMouse(ctx, target, 8+h.Rand.Intn(12))
	}
	if err := el.Hover(ctx); err != nil {
		return err
	}
	if err := h.pause(ctx, 300*time.Millisecond, 700*time.Millisecond); err != nil {
		return err
	}
	return el.Click(ctx)
}

// TypeText enters text into el, verifying the value after each strategy:
// fill, then per-key typing, then a scripted value assignment.
func (h *Humanizer) TypeText(ctx context.Context, el Element, text string) error {
	if err := el.Focus(ctx); err != nil {
		return fmt.Errorf("focus: %w", err)
	}

	strategies := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"fill", el.Fill},
		{"keys", el.TypeKeys},
		{"script", el.SetValue},
	}

	var lastErr error
	for _, s := range strategies {
		if err := s.fn(ctx, text); err != nil {
			lastErr = fmt.Errorf("%s: %w", s.name, err)
			continue
		}
		if err := h.pause(ctx, 100*time.Millisecond, 300*time.Millisecond); err != nil {
			return err
		}
		got, err := el.Value(ctx)
		if err != nil {
			lastErr = fmt.Errorf("%s: read back: %w", s.name, err)
			continue
		}
		if TextMatches(got, text) {
			return nil
		}
		lastErr = fmt.Errorf("%s: value %q does not match %q", s.name, got, text)
	}
	return lastErr
}

// TextMatches compares an input's value with the intended text, tolerating
// whitespace differences and thousands separators the site inserts into
// numeric fields.
func TextMatches(got, want string) bool {
	if strings.TrimSpace(got) == strings.TrimSpace(want) {
		return true
	}
	gd, wd := digitsOnly(got), digitsOnly(want)
	if wd != "" && gd == wd && isNumeric(want) && isNumeric(got) {
		return true
	}
	return strings.EqualFold(strings.Join(strings.Fields(got), " "), strings.Join(strings.Fields(want), " "))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != ',' && r != '.' && r != ' ' && r != '$' {
			return false
		}
	}
	return true
}
