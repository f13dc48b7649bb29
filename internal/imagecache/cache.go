// Package imagecache keeps listing images on local disk, keyed by a content
// fingerprint of (title, price, location) so the same product resolves to
// the same file across polls even when its URL changes.
package imagecache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"marketwatch/internal/logging"
)

// Outcome describes how an image was resolved.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeDownloaded
	OutcomeReused
	OutcomeCached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeReused:
		return "reused"
	case OutcomeCached:
		return "cached"
	default:
		return "none"
	}
}

// Stats counts resolve outcomes for one poll.
type Stats struct {
	Downloaded int `json:"downloaded"`
	Reused     int `json:"reused"`
	Cached     int `json:"cached"`
	Failed     int `json:"failed,omitempty"`
}

// Add counts o.
func (s *Stats) Add(o Outcome) {
	switch o {
	case OutcomeDownloaded:
		s.Downloaded++
	case OutcomeReused:
		s.Reused++
	case OutcomeCached:
		s.Cached++
	}
}

// Downloader fetches url into the file at dst.
type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// Options configures a Cache.
type Options struct {
	Dir        string
	MaxEntries int
	MaxAge     time.Duration
	Now        func() time.Time
}

// ErrNoImage is returned by Resolve when the listing has no image URL.
var ErrNoImage = errors.New("listing has no image url")

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9А-Яа-я]`)

// Fingerprint is the content key for a listing.
func Fingerprint(title, price, location string) string {
	return title + "_" + price + "_" + location
}

// StableFileName derives the on-disk name for a listing's image: the first 30
// characters of the cleaned fingerprint, an underscore, and the first eight
// hex digits of its MD5.
func StableFileName(title, price, location string) string {
	cleaned := unsafeChars.ReplaceAllString(Fingerprint(title, price, location), "_")
	sum := md5.Sum([]byte(cleaned))
	prefix := []rune(cleaned)
	if len(prefix) > 30 {
		prefix = prefix[:30]
	}
	return string(prefix) + "_" + hex.EncodeToString(sum[:])[:8] + ".png"
}

type entry struct {
	key  string
	file string
}

// Cache is a bounded fingerprint → file name map over an image directory.
// Entries are evicted in insertion order once MaxEntries is exceeded.
type Cache struct {
	opts Options
	dl   Downloader

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// New creates a cache writing into opts.Dir.
func New(opts Options, dl Downloader) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 5000
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:    opts,
		dl:      dl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Dir returns the image directory.
func (c *Cache) Dir() string { return c.opts.Dir }

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return el.Value.(*entry).file, true
}

func (c *Cache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Put records key → file and evicts the oldest entries beyond MaxEntries.
// It returns the number of evictions.
func (c *Cache) Put(key, file string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).file = file
		return 0
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, file: file})
	return c.pruneLocked()
}

// Prune trims the map to MaxEntries.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Cache) pruneLocked() int {
	evicted := 0
	for c.order.Len() > c.opts.MaxEntries {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.entries, front.Value.(*entry).key)
		evicted++
	}
	return evicted
}

// Has reports whether key is in the map.
func (c *Cache) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Resolve returns the local file name for the listing's image. A map hit
// whose file still exists is Cached, a file already on disk under the stable
// name is Reused, and anything else is downloaded. Map hits whose file has
// vanished are dropped before falling through.
func (c *Cache) Resolve(ctx context.Context, title, price, location, imageURL string) (string, Outcome, error) {
	if imageURL == "" {
		return "", OutcomeNone, ErrNoImage
	}
	key := Fingerprint(title, price, location)

	if file, ok := c.lookup(key); ok {
		if exists(filepath.Join(c.opts.Dir, file)) {
			return file, OutcomeCached, nil
		}
		c.forget(key)
	}

	file := StableFileName(title, price, location)
	path := filepath.Join(c.opts.Dir, file)
	if exists(path) {
		c.Put(key, file)
		return file, OutcomeReused, nil
	}

	if c.dl == nil {
		return "", OutcomeNone, errors.New("no downloader configured")
	}
	if err := os.MkdirAll(c.opts.Dir, 0755); err != nil {
		return "", OutcomeNone, fmt.Errorf("create image dir: %w", err)
	}
	if err := c.dl.Download(ctx, imageURL, path); err != nil {
		return "", OutcomeNone, fmt.Errorf("download image: %w", err)
	}
	if n := c.Put(key, file); n > 0 {
		logging.Images("image map trimmed by %d to %d entries", n, c.Len())
	}
	return file, OutcomeDownloaded, nil
}

// Clear empties the map and removes stale files from the directory.
func (c *Cache) Clear() (SweepResult, error) {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
	return c.Sweep()
}
