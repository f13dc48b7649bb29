package listing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"marketwatch/internal/browser/browsertest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const resultsPage = `<html><body>
<div role="main">
  <a href="/marketplace/item/111/?ref=search" role="link">
    <img src="https://cdn.example/111.jpg">
    <span>$9,500</span>
    <span>2014 Honda Civic EX</span>
    <span>Austin, TX</span>
    <abbr aria-label="17 hours ago">17h</abbr>
  </a>
  <a href="/marketplace/item/222/" role="link">
    <img src="https://cdn.example/222.jpg">
    <span>15 000 ₽</span>
    <span>Lada Niva</span>
    <span>Moscow</span>
  </a>
  <a href="/marketplace/item/111/?ref=dup" role="link"><span>$9,500</span><span>dup</span></a>
  <a href="/marketplace/category/vehicles">Vehicles</a>
  <a href="/marketplace/item/333/"><span>$1</span><span>Third</span></a>
</div>
</body></html>`

func TestHTMLExtractorParse(t *testing.T) {
	e := NewHTMLExtractor("https://www.facebook.com/marketplace/")
	got := e.Parse(resultsPage, 2)

	age := 17 * 60
	want := []Snapshot{
		{
			Title:      "2014 Honda Civic EX",
			Price:      "$9,500",
			Location:   "Austin, TX",
			ImageURL:   "https://cdn.example/111.jpg",
			URL:        "https://www.facebook.com/marketplace/item/111/",
			AgeMinutes: &age,
		},
		{
			Title:    "Lada Niva",
			Price:    "15 000 ₽",
			Location: "Moscow",
			ImageURL: "https://cdn.example/222.jpg",
			URL:      "https://www.facebook.com/marketplace/item/222/",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestHTMLExtractorSkipsDuplicateLinks(t *testing.T) {
	e := NewHTMLExtractor("https://www.facebook.com/marketplace/")
	got := e.Parse(resultsPage, 0)
	require.Len(t, got, 3)
	require.Equal(t, "https://www.facebook.com/marketplace/item/333/", got[2].URL)
}

func TestHTMLExtractorEmptyPage(t *testing.T) {
	page := browsertest.NewPage()
	page.HTMLText = "<html><body><p>No results</p></body></html>"
	got, err := NewHTMLExtractor("https://www.facebook.com/").Extract(context.Background(), page, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHTMLExtractorPageError(t *testing.T) {
	page := browsertest.NewPage()
	page.HTMLErr = errors.New("target closed")
	_, err := NewHTMLExtractor("https://www.facebook.com/").Extract(context.Background(), page, 10)
	require.Error(t, err)
}

func TestHTMLExtractorSkipsTrapLinks(t *testing.T) {
	page := `<html><body>
<a href="/marketplace/item/1/"><span>$5</span><span>Visible chair</span></a>
<a href="/marketplace/item/2/" style="display: none"><span>$5</span><span>Hidden</span></a>
<div aria-hidden="true"><a href="/marketplace/item/3/"><span>$5</span><span>In hidden parent</span></a></div>
<a href="/marketplace/item/4/" style="position:absolute; left:-9999px"><span>$5</span><span>Off screen</span></a>
<a href="/marketplace/item/5/" style="width:0;height:0"><span>$5</span><span>Zero</span></a>
<a href="/marketplace/item/6/" tabindex="-1"><span>$5</span><span>Unreachable</span></a>
</body></html>`

	got := NewHTMLExtractor("https://www.facebook.com/marketplace/").Parse(page, 0)
	require.Len(t, got, 1)
	require.Equal(t, "Visible chair", got[0].Title)
}

func TestTrapReasons(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<div style="opacity:0"><a href="x" hidden>x</a></div>`))
	require.NoError(t, err)

	var link *html.Node
	var find func(n *html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			link = n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	require.NotNil(t, link)
	require.Equal(t, []string{"hidden attribute", "opacity:0"}, TrapReasons(link))
}
