package listing

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"marketwatch/internal/browser"
	"marketwatch/internal/logging"

	"golang.org/x/net/html"
)

// Extractor reads listing snapshots from the current results page. A page
// with no recognizable cards yields zero snapshots and a nil error; an error
// means the page itself could not be read.
type Extractor interface {
	Extract(ctx context.Context, page browser.Page, max int) ([]Snapshot, error)
}

// HTMLExtractor parses the page's serialized DOM.
type HTMLExtractor struct {
	// BaseURL resolves relative listing links.
	BaseURL string
	// ItemPathFragment identifies listing links.
	ItemPathFragment string
}

// NewHTMLExtractor returns an extractor for marketplace result pages.
func NewHTMLExtractor(baseURL string) *HTMLExtractor {
	return &HTMLExtractor{BaseURL: siteRoot(baseURL), ItemPathFragment: "/marketplace/item/"}
}

var priceTextRe = regexp.MustCompile(`(?i)^\s*([$€£₽]\s*\d|\d[\d\s,.]*\s*(₽|руб|\$|€|£)|free\b|бесплатно)`)

// Extract implements Extractor.
func (e *HTMLExtractor) Extract(ctx context.Context, page browser.Page, max int) ([]Snapshot, error) {
	src, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	return e.Parse(src, max), nil
}

// Parse extracts up to max snapshots from an HTML document.
func (e *HTMLExtractor) Parse(src string, max int) []Snapshot {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("html parse failed: %v", err)
		return nil
	}

	var out []Snapshot
	seen := make(map[string]bool)
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if max > 0 && len(out) >= max {
			return false
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attr(n, "href")
			if strings.Contains(href, e.ItemPathFragment) {
				if reasons := TrapReasons(n); len(reasons) > 0 {
					logging.PipelineDebug("skipping trap link %s: %s", href, strings.Join(reasons, ", "))
					return true
				}
				snap := e.card(n, href)
				if snap.URL != "" && !seen[snap.URL] {
					seen[snap.URL] = true
					out = append(out, snap)
				}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)
	return out
}

func (e *HTMLExtractor) card(a *html.Node, href string) Snapshot {
	snap := Snapshot{URL: NormalizeURL(href, e.BaseURL)}

	var texts []string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "img":
				if snap.ImageURL == "" {
					snap.ImageURL = attr(n, "src")
				}
			case "abbr":
				if label := attr(n, "aria-label"); label != "" && snap.AgeMinutes == nil {
					if mins, ok := ParseAgeMinutes(label); ok {
						snap.AgeMinutes = &mins
					}
				}
			case "script", "style":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				texts = append(texts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(a)

	var rest []string
	for _, t := range texts {
		if snap.Price == "" && priceTextRe.MatchString(t) {
			snap.Price = t
			continue
		}
		rest = append(rest, t)
	}
	if len(rest) > 0 {
		snap.Title = rest[0]
	}
	if len(rest) > 1 {
		snap.Location = rest[1]
	}
	return snap
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func siteRoot(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		if j := strings.Index(u[i+3:], "/"); j >= 0 {
			return u[:i+3+j]
		}
	}
	return strings.TrimRight(u, "/")
}
