package listing

import (
	"strings"

	"golang.org/x/net/html"
)

// trapChecks flag listing links a human could never see or click. Such
// links are bait for scrapers and are skipped.
var trapChecks = []struct {
	reason string
	match  func(n *html.Node, style map[string]string) bool
}{
	{"hidden attribute", func(n *html.Node, _ map[string]string) bool { return hasAttr(n, "hidden") }},
	{"aria-hidden", func(n *html.Node, _ map[string]string) bool { return attr(n, "aria-hidden") == "true" }},
	{"negative tabindex", func(n *html.Node, _ map[string]string) bool {
		return n.Data == "a" && strings.HasPrefix(strings.TrimSpace(attr(n, "tabindex")), "-")
	}},
	{"display:none", func(_ *html.Node, s map[string]string) bool { return s["display"] == "none" }},
	{"visibility:hidden", func(_ *html.Node, s map[string]string) bool { return s["visibility"] == "hidden" }},
	{"opacity:0", func(_ *html.Node, s map[string]string) bool {
		o := s["opacity"]
		return o == "0" || o == "0.0" || o == ".0"
	}},
	{"zero size", func(_ *html.Node, s map[string]string) bool {
		return isZeroLength(s["width"]) || isZeroLength(s["height"])
	}},
	{"off-screen", func(_ *html.Node, s map[string]string) bool {
		return strings.HasPrefix(s["left"], "-9") || strings.HasPrefix(s["top"], "-9")
	}},
}

// TrapReasons reports why a link node (or any ancestor) is invisible to a
// human. An empty result means the link looks genuine.
func TrapReasons(n *html.Node) []string {
	var reasons []string
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		style := inlineStyle(attr(cur, "style"))
		for _, c := range trapChecks {
			if c.match(cur, style) {
				reasons = append(reasons, c.reason)
			}
		}
	}
	return reasons
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func inlineStyle(s string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
		out[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(v)
	}
	return out
}

func isZeroLength(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	v = strings.TrimRight(v, "pxem%")
	return v == "0" || v == "1" || v == "0.0"
}
