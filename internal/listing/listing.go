// Package listing holds listing snapshots and the parsing rules applied to
// their scraped text.
package listing

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Snapshot is one listing card as scraped from the results page.
type Snapshot struct {
	Title      string `json:"title"`
	Price      string `json:"price"`
	Location   string `json:"location"`
	ImageURL   string `json:"imageUrl"`
	URL        string `json:"itemUrl"`
	AgeMinutes *int   `json:"ageMinutes,omitempty"`
}

// Item is a snapshot that survived the pipeline, enriched with derived fields.
type Item struct {
	Snapshot
	ModelName      string `json:"modelName"`
	Year           int    `json:"year,omitempty"`
	SavedImagePath string `json:"savedImagePath,omitempty"`
	ImageStatus    string `json:"imageStatus,omitempty"`
}

var (
	yearRe        = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	leadingYearRe = regexp.MustCompile(`^\s*\b((19|20)\d{2})\b\s*`)
	// A bare price needs a currency mark, so "2015" or "320" stays a title.
	barePriceRe   = regexp.MustCompile(`(?i)^(?:[$€£₽]\s*\d[\d,.\s]*|\d[\d,.\s]*\s*(?:руб\.?|₽|usd|eur))$`)
	pricePrefixRe = regexp.MustCompile(`^[$€£₽]\d`)
)

// ExtractYear returns the first 19xx/20xx year in title.
func ExtractYear(title string) (int, bool) {
	m := yearRe.FindString(title)
	if m == "" {
		return 0, false
	}
	y, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return y, true
}

// ModelName strips a leading year from title. Titles that are only a year are
// returned unchanged.
func ModelName(title string) string {
	loc := leadingYearRe.FindStringIndex(title)
	if loc == nil {
		return title
	}
	rest := strings.TrimSpace(title[loc[1]:])
	if rest == "" {
		return title
	}
	return rest
}

// Signature is the within-poll identity of a listing when URLs differ.
func Signature(s Snapshot) string {
	norm := func(v string) string { return strings.ToLower(strings.Join(strings.Fields(v), " ")) }
	return norm(s.Title) + "|" + norm(s.Price) + "|" + norm(s.Location)
}

// IsFakePrice reports whether a snapshot is a placeholder card whose title is
// just its price.
func IsFakePrice(s Snapshot) bool {
	title := strings.TrimSpace(s.Title)
	if title == "" {
		return false
	}
	if strings.EqualFold(title, strings.TrimSpace(s.Price)) {
		return true
	}
	if barePriceRe.MatchString(title) {
		return true
	}
	return utf8.RuneCountInString(title) < 10 && pricePrefixRe.MatchString(title)
}

// NormalizeURL makes href absolute against base and drops the query string.
func NormalizeURL(href, base string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		base = strings.TrimRight(base, "/")
		if !strings.HasPrefix(href, "/") {
			href = "/" + href
		}
		href = base + href
	}
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return href
}
