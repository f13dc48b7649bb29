// Package marketplace drives the marketplace's own controls: category and
// search navigation, location and price filters, and the recency sort. Every
// element lookup goes through the browser.Locator, so the strategies used to
// find a control stay inside the browser adapter.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketwatch/internal/browser"
	"marketwatch/internal/config"
	"marketwatch/internal/filter"
	"marketwatch/internal/listing"
	"marketwatch/internal/logging"
)

var (
	// ErrUnknownCategory is returned for a category name not in the catalogue.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrSearchNotApplied means the query was typed but no results page loaded.
	ErrSearchNotApplied = errors.New("search was not applied")
	// ErrRecencyNotApplied means neither URL parameters nor the sort menus
	// produced the newest-first, last-24h view.
	ErrRecencyNotApplied = errors.New("recency filter was not applied")
)

// Recency URL parameters. They are the canonical way to get the last-24h,
// newest-first view; the sort menus are only a fallback.
const (
	paramSortBy     = "sortBy"
	paramDaysListed = "daysSinceListed"
	sortNewest      = "creation_time_descend"
)

// Options configures a Site.
type Options struct {
	BaseURL           string
	Categories        []config.Category
	NavigationTimeout time.Duration
	AgeLookupTimeout  time.Duration
	// AgeLookupRate is the number of listing pages opened per second for age
	// lookups.
	AgeLookupRate float64
}

// Site performs marketplace actions on a page.
type Site struct {
	opts  Options
	human *browser.Humanizer
	sleep func(ctx context.Context, d time.Duration) error
	ages  *rate.Limiter
}

// New creates a Site. sleep is used for the settle pauses between actions.
func New(opts Options, human *browser.Humanizer, sleep func(ctx context.Context, d time.Duration) error) *Site {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.AgeLookupTimeout <= 0 {
		opts.AgeLookupTimeout = 30 * time.Second
	}
	if opts.AgeLookupRate <= 0 {
		opts.AgeLookupRate = 1
	}
	if human == nil {
		human = browser.NewHumanizer(sleep)
	}
	return &Site{
		opts:  opts,
		human: human,
		sleep: sleep,
		ages:  rate.NewLimiter(rate.Limit(opts.AgeLookupRate), 1),
	}
}

// Categories returns the configured category catalogue.
func (s *Site) Categories() []config.Category {
	return append([]config.Category(nil), s.opts.Categories...)
}

func (s *Site) wait(ctx context.Context, d time.Duration) error {
	if s.sleep == nil {
		return ctx.Err()
	}
	return s.sleep(ctx, d)
}

func (s *Site) navigate(ctx context.Context, page browser.Page, u string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()
	return page.Navigate(navCtx, u)
}

// click finds target and clicks it like a person would.
func (s *Site) click(ctx context.Context, page browser.Page, target browser.Target) error {
	el, err := page.Find(ctx, target)
	if err != nil {
		return fmt.Errorf("%s: %w", target.Intent, err)
	}
	return s.human.Click(ctx, page, el)
}

// NavigateHome opens the marketplace landing page and closes any popup it
// shows.
func (s *Site) NavigateHome(ctx context.Context, page browser.Page) error {
	if err := s.navigate(ctx, page, s.opts.BaseURL); err != nil {
		return fmt.Errorf("navigate home: %w", err)
	}
	if err := s.wait(ctx, 2*time.Second); err != nil {
		return err
	}
	s.DismissPopup(ctx, page)
	return nil
}

// DismissPopup clicks a dialog close button if one is showing.
func (s *Site) DismissPopup(ctx context.Context, page browser.Page) bool {
	el, err := page.Find(ctx, browser.T(browser.IntentPopupClose))
	if err != nil {
		return false
	}
	if visible, err := el.Visible(ctx); err != nil || !visible {
		return false
	}
	if err := el.Click(ctx); err != nil {
		logging.BrowserWarn("close popup: %v", err)
		return false
	}
	_ = s.wait(ctx, time.Second)
	logging.BrowserDebug("popup dismissed")
	return true
}

// SelectCategory opens the named category. Catalogue entries with a slug are
// opened by URL; others by clicking the category link.
func (s *Site) SelectCategory(ctx context.Context, page browser.Page, name string) error {
	name = strings.TrimSpace(name)
	var cat *config.Category
	for i := range s.opts.Categories {
		if strings.EqualFold(s.opts.Categories[i].Name, name) {
			cat = &s.opts.Categories[i]
			break
		}
	}
	if cat == nil && len(s.opts.Categories) > 0 {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}

	if cat != nil && cat.Slug != "" {
		u := strings.TrimRight(s.opts.BaseURL, "/") + "/category/" + cat.Slug + "/"
		if err := s.navigate(ctx, page, u); err != nil {
			return fmt.Errorf("open category %s: %w", name, err)
		}
	} else if err := s.click(ctx, page, browser.Target{Intent: browser.IntentCategoryLink, Text: name}); err != nil {
		return fmt.Errorf("open category %s: %w", name, err)
	}
	logging.Browser("category selected: %s", name)
	return s.wait(ctx, 1500*time.Millisecond)
}

// Search types query into the marketplace search box and submits it.
func (s *Site) Search(ctx context.Context, page browser.Page, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return errors.New("empty search query")
	}
	el, err := page.Find(ctx, browser.T(browser.IntentSearchInput))
	if err != nil {
		return fmt.Errorf("search input: %w", err)
	}
	if err := s.human.Click(ctx, page, el); err != nil {
		logging.BrowserDebug("click search input: %v", err)
	}
	if err := s.human.TypeText(ctx, el, query); err != nil {
		return fmt.Errorf("type query: %w", err)
	}
	if err := page.PressEnter(ctx); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	if err := s.wait(ctx, 3*time.Second); err != nil {
		return err
	}

	current, err := page.URL(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(current, "/search") && !strings.Contains(current, "query=") && !strings.Contains(current, "q=") {
		return fmt.Errorf("%w: landed on %s", ErrSearchNotApplied, current)
	}
	logging.Browser("search applied: %q", query)
	return nil
}

// SetLocation points the browser's geolocation at the given coordinates,
// picks the city and radius in the location dialog and then reapplies the
// recency filter. A failed recency step is logged, not returned.
func (s *Site) SetLocation(ctx context.Context, page browser.Page, loc filter.Location) error {
	if loc.Latitude != nil && loc.Longitude != nil {
		if err := page.SetGeolocation(ctx, *loc.Latitude, *loc.Longitude); err != nil {
			return fmt.Errorf("set geolocation: %w", err)
		}
	}

	if err := s.click(ctx, page, browser.T(browser.IntentLocationMenu)); err != nil {
		return fmt.Errorf("open location menu: %w", err)
	}
	if err := s.wait(ctx, 1500*time.Millisecond); err != nil {
		return err
	}

	if city := strings.TrimSpace(loc.City); city != "" {
		input, err := page.Find(ctx, browser.T(browser.IntentLocationInput))
		if err != nil {
			return fmt.Errorf("location input: %w", err)
		}
		if err := s.human.TypeText(ctx, input, city); err != nil {
			return fmt.Errorf("type city: %w", err)
		}
		if err := s.wait(ctx, 1500*time.Millisecond); err != nil {
			return err
		}
		if err := s.click(ctx, page, browser.Target{Intent: browser.IntentLocationSuggestion, Text: city}); err != nil {
			if err := s.click(ctx, page, browser.T(browser.IntentLocationSuggestion)); err != nil {
				return fmt.Errorf("pick city: %w", err)
			}
		}
	}

	if loc.RadiusKm > 0 {
		radius := strconv.Itoa(loc.RadiusKm)
		if err := s.click(ctx, page, browser.T(browser.IntentRadiusMenu)); err == nil {
			if err := s.click(ctx, page, browser.Target{Intent: browser.IntentRadiusOption, Text: radius}); err != nil {
				logging.BrowserWarn("radius %s not offered: %v", radius, err)
			}
		} else {
			logging.BrowserWarn("radius menu: %v", err)
		}
	}

	if err := s.click(ctx, page, browser.T(browser.IntentApplyButton)); err != nil {
		logging.BrowserDebug("apply button: %v", err)
	}
	if err := s.wait(ctx, 2*time.Second); err != nil {
		return err
	}

	if err := s.ApplyRecency(ctx, page); err != nil {
		logging.BrowserWarn("location set but recency filter failed: %v", err)
	}
	logging.Browser("location set: %s (%d km)", loc.City, loc.RadiusKm)
	return nil
}

// SetPrice types the price bounds into the filter inputs. Bounds whose input
// cannot be found are applied through URL parameters instead.
func (s *Site) SetPrice(ctx context.Context, page browser.Page, min, max *int) error {
	params := map[string]string{}
	type bound struct {
		value  *int
		intent browser.Intent
		param  string
	}
	for _, b := range []bound{
		{min, browser.IntentMinPriceInput, "minPrice"},
		{max, browser.IntentMaxPriceInput, "maxPrice"},
	} {
		if b.value == nil {
			continue
		}
		text := strconv.Itoa(*b.value)
		el, err := page.Find(ctx, browser.T(b.intent))
		if err == nil {
			err = s.human.TypeText(ctx, el, text)
			if err == nil {
				err = page.PressEnter(ctx)
			}
		}
		if err != nil {
			logging.BrowserDebug("%s input failed, using url parameter: %v", b.param, err)
			params[b.param] = text
		}
	}
	if len(params) > 0 {
		if _, err := s.applyParams(ctx, page, params); err != nil {
			return fmt.Errorf("apply price: %w", err)
		}
	}
	return s.wait(ctx, time.Second)
}

// ApplyYear applies the year bounds on the site when the current listing
// view supports them natively (vehicle listings) and reports whether it did.
// Callers filter by year themselves when it returns false.
func (s *Site) ApplyYear(ctx context.Context, page browser.Page, min, max *int) (bool, error) {
	current, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	if !strings.Contains(current, "/vehicles") {
		return false, nil
	}
	params := map[string]string{}
	if min != nil {
		params["minYear"] = strconv.Itoa(*min)
	}
	if max != nil {
		params["maxYear"] = strconv.Itoa(*max)
	}
	if len(params) == 0 {
		return false, nil
	}
	return s.applyParams(ctx, page, params)
}

// ApplyRecency switches the view to newest first within the last 24 hours.
// URL parameters are tried first; the sort and date menus are the fallback.
func (s *Site) ApplyRecency(ctx context.Context, page browser.Page) error {
	ok, err := s.applyParams(ctx, page, map[string]string{
		paramSortBy:     sortNewest,
		paramDaysListed: "1",
	})
	if err == nil && ok {
		return nil
	}
	if err != nil {
		logging.BrowserDebug("recency via url failed: %v", err)
	}

	steps := []struct{ menu, option browser.Intent }{
		{browser.IntentSortMenu, browser.IntentSortNewest},
		{browser.IntentDateListedMenu, browser.IntentDateLast24h},
	}
	for _, step := range steps {
		if err := s.click(ctx, page, browser.T(step.menu)); err != nil {
			return fmt.Errorf("%w: %v", ErrRecencyNotApplied, err)
		}
		if err := s.wait(ctx, time.Second); err != nil {
			return err
		}
		if err := s.click(ctx, page, browser.T(step.option)); err != nil {
			return fmt.Errorf("%w: %v", ErrRecencyNotApplied, err)
		}
		if err := s.wait(ctx, 2*time.Second); err != nil {
			return err
		}
	}
	return nil
}

// applyParams merges params into the current URL, navigates if anything
// changed and reports whether the page ended up on a URL carrying them.
func (s *Site) applyParams(ctx context.Context, page browser.Page, params map[string]string) (bool, error) {
	current, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	next, err := MergeQuery(current, params)
	if err != nil {
		return false, err
	}
	if next != current {
		if err := s.navigate(ctx, page, next); err != nil {
			return false, err
		}
		if err := s.wait(ctx, 3*time.Second); err != nil {
			return false, err
		}
	}
	landed, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	return hasParams(landed, params), nil
}

// MergeQuery sets params on rawURL, replacing existing values.
func MergeQuery(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	changed := false
	for k, v := range params {
		if q.Get(k) != v || len(q[k]) != 1 {
			q.Set(k, v)
			changed = true
		}
	}
	if !changed {
		return rawURL, nil
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func hasParams(rawURL string, params map[string]string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	q := u.Query()
	for k, v := range params {
		if q.Get(k) != v {
			return false
		}
	}
	return true
}

// ListingAge opens url in a separate tab and reads the listing's age label.
// Lookups are rate limited and time out after AgeLookupTimeout. The tab is
// always closed.
func (s *Site) ListingAge(ctx context.Context, b browser.Browser, listingURL string) (int, bool) {
	if b == nil || listingURL == "" {
		return 0, false
	}
	if err := s.ages.Wait(ctx); err != nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.AgeLookupTimeout)
	defer cancel()

	page, err := b.NewPage(ctx, listingURL)
	if err != nil {
		logging.BrowserDebug("age lookup for %s: %v", listingURL, err)
		return 0, false
	}
	defer page.Close()

	if err := s.wait(ctx, 500*time.Millisecond); err != nil {
		return 0, false
	}
	el, err := page.Find(ctx, browser.T(browser.IntentListingAge))
	if err != nil {
		return 0, false
	}
	label, ok, err := el.Attribute(ctx, "aria-label")
	if err != nil || !ok || label == "" {
		if label, err = el.Text(ctx); err != nil {
			return 0, false
		}
	}
	return listing.ParseAgeMinutes(label)
}
