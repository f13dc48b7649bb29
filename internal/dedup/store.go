// Package dedup remembers which listing URLs have already been delivered.
//
// Three tiers are kept: a bounded global set spanning sessions, a smaller
// per-session set, and a durable log that survives restarts. The in-memory
// tiers act as a cache over the durable log, so Has consults the log on a
// miss and a URL recorded once stays known after the memory tiers are trimmed.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketwatch/internal/logging"
)

// Durable is the persistent seen-URL log. Implementations must make Insert
// idempotent per URL and keep the earliest first-seen time.
type Durable interface {
	// Insert adds urls seen at the given time, ignoring URLs already present,
	// and returns the number of new rows.
	Insert(ctx context.Context, urls []string, at time.Time) (int, error)
	Exists(ctx context.Context, url string) (bool, error)
	// Recent returns up to limit URLs with the newest first-seen times,
	// ordered oldest first.
	Recent(ctx context.Context, limit int) ([]string, error)
	// DeleteBefore removes rows first seen before cutoff (legacy rows excluded).
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteLegacy removes up to batch rows without a valid first-seen time.
	DeleteLegacy(ctx context.Context, batch int) (int64, error)
	// Compact reclaims space after large deletions.
	Compact(ctx context.Context) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Options bounds the in-memory tiers and the durable retention.
type Options struct {
	MaxGlobal    int
	MaxSession   int
	RetainedTail int
	Retention    time.Duration
	LegacyBatch  int
	// CompactThreshold triggers Compact when a sweep removes more rows.
	CompactThreshold int64
	Now              func() time.Time
}

// DefaultOptions returns the default tier bounds.
func DefaultOptions() Options {
	return Options{
		MaxGlobal:        50000,
		MaxSession:       5000,
		RetainedTail:     10000,
		Retention:        24 * time.Hour,
		LegacyBatch:      1000,
		CompactThreshold: 1000,
		Now:              time.Now,
	}
}

// Stats reports tier sizes.
type Stats struct {
	Global  int   `json:"global"`
	Session int   `json:"session"`
	Durable int64 `json:"durable"`
}

// SweepResult reports a retention sweep.
type SweepResult struct {
	Expired   int64 `json:"expired"`
	Legacy    int64 `json:"legacy"`
	Compacted bool  `json:"compacted"`
}

// ErrEmptyURL is returned when recording an empty URL.
var ErrEmptyURL = errors.New("empty listing url")

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	opts    Options
	global  *tier
	session *tier
	durable Durable
}

// New creates a store over durable. A nil durable keeps everything in memory.
func New(durable Durable, opts Options) *Store {
	def := DefaultOptions()
	if opts.MaxGlobal <= 0 {
		opts.MaxGlobal = def.MaxGlobal
	}
	if opts.MaxSession <= 0 {
		opts.MaxSession = def.MaxSession
	}
	if opts.RetainedTail <= 0 || opts.RetainedTail > opts.MaxGlobal {
		opts.RetainedTail = min(def.RetainedTail, opts.MaxGlobal)
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.LegacyBatch <= 0 {
		opts.LegacyBatch = def.LegacyBatch
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = def.CompactThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:    opts,
		global:  newTier(opts.MaxGlobal),
		session: newTier(opts.MaxSession),
		durable: durable,
	}
}

func normalize(url string) string { return strings.TrimSpace(url) }

// Load fills the global tier from the most recent durable rows.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	urls, err := s.durable.Recent(ctx, s.opts.MaxGlobal)
	if err != nil {
		return 0, fmt.Errorf("load seen urls: %w", err)
	}
	s.mu.Lock()
	for _, u := range urls {
		s.global.add(u)
	}
	n := s.global.len()
	s.mu.Unlock()
	logging.Dedup("loaded %d seen urls from durable store", n)
	return n, nil
}

// Has reports whether url was recorded before, in any tier.
func (s *Store) Has(ctx context.Context, url string) bool {
	url = normalize(url)
	if url == "" {
		return false
	}
	s.mu.Lock()
	if s.session.has(url) || s.global.has(url) {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if s.durable == nil {
		return false
	}
	found, err := s.durable.Exists(ctx, url)
	if err != nil {
		logging.Get(logging.CategoryDedup).Warn("durable lookup failed for %s: %v", url, err)
		return false
	}
	if found {
		s.mu.Lock()
		s.global.add(url)
		s.mu.Unlock()
	}
	return found
}

// Record marks url as seen in every tier. It is idempotent. The durable write
// happens before Record returns; if it fails the URL is still held in memory
// and retried by the next FlushToDurable.
func (s *Store) Record(ctx context.Context, url string) error {
	return s.RecordAll(ctx, []string{url})
}

// RecordAll records several URLs with a single durable write.
func (s *Store) RecordAll(ctx context.Context, urls []string) error {
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		u = normalize(u)
		if u == "" {
			return ErrEmptyURL
		}
		clean = append(clean, u)
	}
	if len(clean) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, u := range clean {
		s.global.add(u)
		s.session.add(u)
	}
	s.mu.Unlock()

	if s.durable == nil {
		return nil
	}
	if _, err := s.durable.Insert(ctx, clean, s.opts.Now()); err != nil {
		return fmt.Errorf("persist seen urls: %w", err)
	}
	return nil
}

// PruneGlobal trims the global tier to its bound and returns evictions.
func (s *Store) PruneGlobal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.trimTo(s.opts.MaxGlobal)
}

// PruneSession trims the session tier to its bound and returns evictions.
func (s *Store) PruneSession() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.trimTo(s.opts.MaxSession)
}

// FlushToDurable writes every global entry to the durable log and then trims
// the global tier to the retained tail of most recent entries.
func (s *Store) FlushToDurable(ctx context.Context) (int, error) {
	s.mu.Lock()
	keys := s.global.keys()
	s.mu.Unlock()

	inserted := 0
	if s.durable != nil && len(keys) > 0 {
		n, err := s.durable.Insert(ctx, keys, s.opts.Now())
		if err != nil {
			return 0, fmt.Errorf("flush seen urls: %w", err)
		}
		inserted = n
	}

	s.mu.Lock()
	trimmed := 0
	if s.durable != nil {
		trimmed = s.global.trimTo(s.opts.RetainedTail)
	}
	s.mu.Unlock()

	logging.Dedup("flushed %d urls (%d new), trimmed %d from memory", len(keys), inserted, trimmed)
	return inserted, nil
}

// RetentionSweep deletes durable rows older than the retention window and
// legacy rows without a valid timestamp.
func (s *Store) RetentionSweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.durable == nil {
		return res, nil
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention)

	expired, err := s.durable.DeleteBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete expired urls: %w", err)
	}
	res.Expired = expired

	legacy, err := s.durable.DeleteLegacy(ctx, s.opts.LegacyBatch)
	if err != nil {
		return res, fmt.Errorf("delete legacy urls: %w", err)
	}
	res.Legacy = legacy

	if expired+legacy > s.opts.CompactThreshold {
		if err := s.durable.Compact(ctx); err != nil {
			logging.Get(logging.CategoryDedup).Warn("compact after sweep: %v", err)
		} else {
			res.Compacted = true
		}
	}
	logging.Dedup("retention sweep removed %d expired and %d legacy rows", expired, legacy)
	return res, nil
}

// ClearGlobal empties the global tier and the durable log. The session tier
// is left alone.
func (s *Store) ClearGlobal(ctx context.Context) error {
	s.mu.Lock()
	s.global.clear()
	s.mu.Unlock()
	if s.durable == nil {
		return nil
	}
	if err := s.durable.Clear(ctx); err != nil {
		return fmt.Errorf("clear durable store: %w", err)
	}
	return nil
}

// ResetSession empties the session tier.
func (s *Store) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.clear()
}

// Stats returns tier sizes. The durable count is omitted on error.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	st := Stats{Global: s.global.len(), Session: s.session.len()}
	s.mu.Unlock()
	if s.durable != nil {
		if n, err := s.durable.Count(ctx); err == nil {
			st.Durable = n
		}
	}
	return st
}

// Close flushes the global tier and closes the durable store.
func (s *Store) Close(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	_, ferr := s.FlushToDurable(ctx)
	cerr := s.durable.Close()
	return errors.Join(ferr, cerr)
}
