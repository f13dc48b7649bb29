// Package browser defines the driver-neutral browser capability used by the
// rest of marketwatch, the session handle that guards the single live page,
// and a go-rod implementation of both.
package browser

import (
	"context"
	"errors"
)

// Intent names a semantic UI target. The driver adapter maps each intent to
// an ordered list of selector strategies.
type Intent string

const (
	IntentSearchInput        Intent = "search_input"
	IntentCategoryLink       Intent = "category_link"
	IntentCheckpointDismiss  Intent = "checkpoint_dismiss"
	IntentErrorBanner        Intent = "error_banner"
	IntentPopupClose         Intent = "popup_close"
	IntentLocationMenu       Intent = "location_menu"
	IntentLocationInput      Intent = "location_input"
	IntentLocationSuggestion Intent = "location_suggestion"
	IntentRadiusMenu         Intent = "radius_menu"
	IntentRadiusOption       Intent = "radius_option"
	IntentApplyButton        Intent = "apply_button"
	IntentMinPriceInput      Intent = "min_price_input"
	IntentMaxPriceInput      Intent = "max_price_input"
	IntentSortMenu           Intent = "sort_menu"
	IntentSortNewest         Intent = "sort_newest"
	IntentDateListedMenu     Intent = "date_listed_menu"
	IntentDateLast24h        Intent = "date_last_24h"
	IntentListingAge         Intent = "listing_age"
	IntentLoggedInMarker     Intent = "logged_in_marker"
)

// Target is a Locator query. Text narrows intents that select among several
// similar controls (a category name, a radius value, a suggestion label).
type Target struct {
	Intent Intent
	Text   string
}

// T is shorthand for a Target without text.
func T(intent Intent) Target { return Target{Intent: intent} }

// ErrNotFound is returned by Locator.Find when no strategy matched.
var ErrNotFound = errors.New("element not found")

// Point is a viewport coordinate.
type Point struct {
	X, Y float64
}

// Locator resolves semantic targets to elements.
type Locator interface {
	Find(ctx context.Context, target Target) (Element, error)
}

// Element is a resolved DOM element.
type Element interface {
	Visible(ctx context.Context) (bool, error)
	Center(ctx context.Context) (Point, error)
	Hover(ctx context.Context) error
	Click(ctx context.Context) error
	Focus(ctx context.Context) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Value returns the element's current input value.
	Value(ctx context.Context) (string, error)
	// Fill replaces the element's value in one step.
	Fill(ctx context.Context, text string) error
	// TypeKeys sends text as individual key presses.
	TypeKeys(ctx context.Context, text string) error
	// SetValue assigns the value through script and fires input/change events.
	SetValue(ctx context.Context, text string) error
}

// Page is one browser tab.
type Page interface {
	Locator

	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	// ContainsText reports whether the visible body text contains any of texts.
	ContainsText(ctx context.Context, texts ...string) (bool, error)
	MoveMouse(ctx context.Context, to Point, steps int) error
	PressEnter(ctx context.Context) error
	Screenshot(ctx context.Context, path string) error
	SetGeolocation(ctx context.Context, lat, lon float64) error
	Viewport() (width, height int)
	Close() error
}

// Browser is a running browser process with a connected driver.
type Browser interface {
	// NewPage opens an additional tab at url.
	NewPage(ctx context.Context, url string) (Page, error)
	Alive(ctx context.Context) bool
	Close() error
}

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	Bin            string
	ProfileDir     string
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	Flags          map[string]string
}

// Launcher starts a browser and returns it with its first page.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, Page, error)
}
