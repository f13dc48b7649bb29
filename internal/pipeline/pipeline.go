// Package pipeline runs one listings poll: health checks and recovery, then
// extraction, filtering, deduplication and image caching.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"marketwatch/internal/browser"
	"marketwatch/internal/filter"
	"marketwatch/internal/imagecache"
	"marketwatch/internal/listing"
	"marketwatch/internal/logging"
	"marketwatch/internal/recovery"
	"marketwatch/internal/retry"
)

// Seen is the cross-poll dedup store.
type Seen interface {
	Has(ctx context.Context, url string) bool
	RecordAll(ctx context.Context, urls []string) error
}

// Images resolves listing images to local files.
type Images interface {
	Resolve(ctx context.Context, title, price, location, imageURL string) (string, imagecache.Outcome, error)
	Dir() string
}

// AgeLookup resolves a listing's age by opening its own page.
type AgeLookup interface {
	ListingAge(ctx context.Context, b browser.Browser, url string) (int, bool)
}

// Options configures a Pipeline.
type Options struct {
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	DefaultCount int
	MaxCount     int
	// Oversample is how many snapshots are extracted per requested item, to
	// leave room for filtering.
	Oversample int
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of one poll.
type Result struct {
	Items             []listing.Item   `json:"items"`
	FilteredCount     int              `json:"filteredCount"`
	DuplicatesRemoved int              `json:"duplicatesRemoved"`
	ImageStats        imagecache.Stats `json:"imageStats"`
	Recovered         bool             `json:"recovered"`
	Attempts          int              `json:"attempts"`
	// RestartingSoon is set when a scheduled restart is waiting for polls
	// to drain; consumers should hold off until it clears.
	RestartingSoon bool `json:"restartingSoon"`
}

// Pipeline runs polls against the orchestrator's session.
type Pipeline struct {
	orch      *recovery.Orchestrator
	extractor listing.Extractor
	seen      Seen
	images    Images
	ages      AgeLookup
	opts      Options
}

// New creates a pipeline. images and ages may be nil.
func New(orch *recovery.Orchestrator, extractor listing.Extractor, seen Seen, images Images, ages AgeLookup, opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 3 * time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = 20
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 100
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 3
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Pipeline{orch: orch, extractor: extractor, seen: seen, images: images, ages: ages, opts: opts}
}

// Count clamps a requested item count.
func (p *Pipeline) Count(n int) int {
	if n <= 0 {
		return p.opts.DefaultCount
	}
	return min(n, p.opts.MaxCount)
}

// Run executes one poll for up to count new listings. It fails immediately
// with a KindNotReady error when no session exists. Session-level failures
// are retried with linear backoff up to MaxAttempts.
func (p *Pipeline) Run(ctx context.Context, count int) (*Result, error) {
	count = p.Count(count)
	var out *Result

	err := p.orch.Exclusive(ctx, func(ctx context.Context, s *recovery.Session) error {
		if _, _, err := s.Page(); err != nil {
			return err
		}
		policy := retry.Policy{
			MaxAttempts: p.opts.MaxAttempts,
			Backoff:     retry.Linear(p.opts.BackoffMin, p.opts.BackoffMax),
			Sleep:       p.opts.Sleep,
		}
		return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
			logging.PipelineDebug("poll attempt %d/%d for %d items", attempt, p.opts.MaxAttempts, count)
			res, err := p.poll(ctx, s, count)
			if err != nil {
				logging.Get(logging.CategoryPipeline).Warn("poll attempt %d failed: %v", attempt, err)
				return err
			}
			res.Attempts = attempt
			res.RestartingSoon = s.RestartingSoon()
			out = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out.Recovered = p.orch.TakeRecoveredNotice() || out.Recovered
	if out.RestartingSoon {
		logging.Pipeline("scheduled restart pending, consumers should pause polling")
	}
	logging.Pipeline("poll returned %d items (filtered %d, duplicates %d, images %d/%d/%d)",
		len(out.Items), out.FilteredCount, out.DuplicatesRemoved,
		out.ImageStats.Downloaded, out.ImageStats.Reused, out.ImageStats.Cached)
	return out, nil
}

// poll is one attempt. Errors marked Permanent stop the retry loop.
func (p *Pipeline) poll(ctx context.Context, s *recovery.Session, count int) (*Result, error) {
	res := &Result{Items: []listing.Item{}}

	if s.Dead(ctx) {
		logging.Get(logging.CategoryPipeline).Warn("session dead, restarting")
		if !s.Restart(ctx) {
			return nil, browser.NewError(browser.KindDead, "listings", errors.New("restart failed"))
		}
		res.Recovered = true
	}

	if err := s.DismissCheckpoint(ctx); err != nil || s.Blocked(ctx) {
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("checkpoint not dismissed: %v", err)
		}
		if !s.AutoRecover(ctx) {
			return nil, retry.Permanent(browser.NewError(browser.KindFatalRecovery, "listings",
				errors.New("could not recover from blocking error")))
		}
		return nil, browser.NewError(browser.KindCheckpoint, "listings", errors.New("recovered from blocking error, retrying"))
	}

	page, gen, err := s.Page()
	if err != nil {
		return nil, retry.Permanent(err)
	}
	snaps, err := p.extractor.Extract(ctx, page, count*p.opts.Oversample)
	if err != nil {
		if !browser.IsCriticalPageError(err) {
			logging.Get(logging.CategoryPipeline).Warn("extraction failed, treating as empty: %v", err)
			snaps = nil
		} else if rerr := s.HandleCriticalError(ctx, "listings", err); rerr != nil {
			return nil, retry.Permanent(rerr)
		} else {
			return nil, browser.NewError(browser.KindTransient, "listings", fmt.Errorf("recovered after extraction: %w", err))
		}
	}

	st := s.Filter()
	snaps, dropped := dropFakePrices(snaps)
	res.FilteredCount += dropped

	if st.HasYear() && !s.YearFilterServerSide() {
		var n int
		snaps, n = filterByYear(snaps, st)
		res.FilteredCount += n
	}

	snaps, dups := p.dedup(ctx, snaps)
	res.DuplicatesRemoved = dups

	items, tooOld := p.filterByAge(ctx, s, snaps, st, count)
	res.FilteredCount += tooOld

	if !s.Valid(gen) {
		return nil, browser.NewError(browser.KindStaleHandle, "listings", errors.New("session replaced during poll"))
	}

	p.attachImages(ctx, items, &res.ImageStats)
	res.Items = items

	if len(items) > 0 && p.seen != nil {
		urls := make([]string, len(items))
		for i, it := range items {
			urls[i] = it.URL
		}
		if err := p.seen.RecordAll(ctx, urls); err != nil {
			logging.Get(logging.CategoryDedup).Warn("record seen urls: %v", err)
		}
	}
	return res, nil
}

func dropFakePrices(snaps []listing.Snapshot) ([]listing.Snapshot, int) {
	out := snaps[:0:0]
	for _, sn := range snaps {
		if listing.IsFakePrice(sn) {
			continue
		}
		out = append(out, sn)
	}
	return out, len(snaps) - len(out)
}

// filterByYear emulates the site's year filter. Titles with a year outside
// the bounds are dropped; titles without a year are kept. The result is
// sorted newest year first with yearless titles last.
func filterByYear(snaps []listing.Snapshot, st filter.State) ([]listing.Snapshot, int) {
	type dated struct {
		snap listing.Snapshot
		year int
		ok   bool
	}
	kept := make([]dated, 0, len(snaps))
	for _, sn := range snaps {
		y, ok := listing.ExtractYear(sn.Title)
		if ok && !st.YearInRange(y) {
			continue
		}
		kept = append(kept, dated{sn, y, ok})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.ok && b.ok {
			return a.year > b.year
		}
		return a.ok && !b.ok
	})
	out := make([]listing.Snapshot, len(kept))
	for i, d := range kept {
		out[i] = d.snap
	}
	return out, len(snaps) - len(kept)
}

// dedup drops snapshots without a URL, repeats within the poll by URL or
// content signature, and URLs delivered by an earlier poll.
func (p *Pipeline) dedup(ctx context.Context, snaps []listing.Snapshot) ([]listing.Snapshot, int) {
	urls := make(map[string]bool, len(snaps))
	sigs := make(map[string]bool, len(snaps))
	out := snaps[:0:0]
	for _, sn := range snaps {
		if sn.URL == "" {
			continue
		}
		sig := listing.Signature(sn)
		if urls[sn.URL] || sigs[sig] {
			continue
		}
		urls[sn.URL] = true
		sigs[sig] = true
		if p.seen != nil && p.seen.Has(ctx, sn.URL) {
			continue
		}
		out = append(out, sn)
	}
	return out, len(snaps) - len(out)
}

// filterByAge applies the max-age filter and builds items, stopping once
// count items are collected. Listings whose age cannot be determined are
// dropped while the filter is active.
func (p *Pipeline) filterByAge(ctx context.Context, s *recovery.Session, snaps []listing.Snapshot, st filter.State, count int) ([]listing.Item, int) {
	items := make([]listing.Item, 0, min(count, len(snaps)))
	dropped := 0
	for _, sn := range snaps {
		if len(items) >= count {
			break
		}
		if st.MaxAgeMinutes != nil {
			age, ok := 0, false
			if sn.AgeMinutes != nil {
				age, ok = *sn.AgeMinutes, true
			} else if p.ages != nil {
				age, ok = p.ages.ListingAge(ctx, s.Browser(), sn.URL)
				if ok {
					a := age
					sn.AgeMinutes = &a
				}
			}
			if !ok {
				logging.PipelineDebug("age unknown, dropping %s", sn.URL)
				dropped++
				continue
			}
			if age > *st.MaxAgeMinutes {
				dropped++
				continue
			}
		}
		it := listing.Item{Snapshot: sn, ModelName: listing.ModelName(sn.Title)}
		if y, ok := listing.ExtractYear(sn.Title); ok {
			it.Year = y
		}
		items = append(items, it)
	}
	return items, dropped
}

// attachImages resolves each item's image. A failed download is logged and
// leaves the item without a local image.
func (p *Pipeline) attachImages(ctx context.Context, items []listing.Item, stats *imagecache.Stats) {
	if p.images == nil {
		return
	}
	for i := range items {
		it := &items[i]
		if it.ImageURL == "" {
			continue
		}
		file, outcome, err := p.images.Resolve(ctx, it.Title, it.Price, it.Location, it.ImageURL)
		if err != nil {
			logging.Get(logging.CategoryImages).Warn("image for %s: %v", it.URL, err)
			stats.Failed++
			continue
		}
		stats.Add(outcome)
		it.SavedImagePath = filepath.Join(p.images.Dir(), file)
		it.ImageStatus = outcome.String()
	}
}
