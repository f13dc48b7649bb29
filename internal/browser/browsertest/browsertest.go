// Package browsertest provides in-memory fakes of the browser interfaces.
package browsertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"marketwatch/internal/browser"
)

// Element is a scriptable fake element.
type Element struct {
	mu sync.Mutex

	Label      string
	Hidden     bool
	VisibleErr error
	ClickErr   error
	Attrs      map[string]string
	At         browser.Point

	// FillIgnored makes Fill succeed without changing the value.
	FillIgnored bool
	// OnClick runs after every successful click.
	OnClick func()

	value  string
	clicks int
	hovers int
}

// NewElement returns a visible element with the given label.
func NewElement(label string) *Element {
	return &Element{Label: label, Attrs: map[string]string{}}
}

func (e *Element) Visible(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.VisibleErr != nil {
		return false, e.VisibleErr
	}
	return !e.Hidden, nil
}

// SetHidden changes the element's visibility.
func (e *Element) SetHidden(hidden bool) {
	e.mu.Lock()
	e.Hidden = hidden
	e.mu.Unlock()
}

func (e *Element) Center(ctx context.Context) (browser.Point, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.At, nil
}

func (e *Element) Hover(ctx context.Context) error {
	e.mu.Lock()
	e.hovers++
	e.mu.Unlock()
	return nil
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	if e.ClickErr != nil {
		err := e.ClickErr
		e.mu.Unlock()
		return err
	}
	e.clicks++
	fn := e.OnClick
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (e *Element) Focus(ctx context.Context) error { return nil }

func (e *Element) Text(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Label, nil
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) Value(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, nil
}

func (e *Element) Fill(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.FillIgnored {
		e.value = text
	}
	return nil
}

func (e *Element) TypeKeys(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = text
	return nil
}

func (e *Element) SetValue(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = text
	return nil
}

// Clicks returns how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Hovers returns how many times the element was hovered.
func (e *Element) Hovers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hovers
}

// Page is a scriptable fake page.
type Page struct {
	mu sync.Mutex

	CurrentURL string
	TitleText  string
	// TitleErr makes the liveness probe fail.
	TitleErr    error
	HTMLText    string
	HTMLErr     error
	Body        string
	FindErr     error
	NavigateErr error
	ReloadErr   error
	// Panic makes every probe panic, simulating a broken driver.
	Panic bool
	// OnEnter runs after every PressEnter.
	OnEnter func(p *Page)

	elements map[browser.Intent][]*Element

	Navigations  []string
	Reloads      int
	Screenshots  []string
	Geolocations []browser.Point
	MouseMoves   int
	Enters       int
	Finds        map[browser.Intent]int
	closed       bool
}

// NewPage returns a live, empty page.
func NewPage() *Page {
	return &Page{
		CurrentURL: "https://www.facebook.com/marketplace/",
		TitleText:  "Marketplace",
		elements:   make(map[browser.Intent][]*Element),
		Finds:      make(map[browser.Intent]int),
	}
}

// Add registers el as a match for intent.
func (p *Page) Add(intent browser.Intent, el *Element) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[intent] = append(p.elements[intent], el)
	return el
}

// Remove deletes every element registered for intent.
func (p *Page) Remove(intent browser.Intent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, intent)
}

// Kill makes subsequent probes fail as if the target were closed.
func (p *Page) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TitleErr = errors.New("target closed")
}

// SetURL changes the current URL.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CurrentURL = u
}

// SetBody changes the visible page text.
func (p *Page) SetBody(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Body = body
}

// SetHTML changes the page HTML.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HTMLText = html
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// NavigatedTo returns a copy of every navigated URL.
func (p *Page) NavigatedTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Navigations...)
}

// ScreenshotPaths returns a copy of every screenshot path taken.
func (p *Page) ScreenshotPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Screenshots...)
}

func (p *Page) Find(ctx context.Context, target browser.Target) (browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Panic {
		panic("driver exploded")
	}
	p.Finds[target.Intent]++
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	for _, el := range p.elements[target.Intent] {
		if target.Text == "" || strings.Contains(strings.ToLower(el.Label), strings.ToLower(target.Text)) {
			return el, nil
		}
	}
	return nil, browser.ErrNotFound
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TitleErr != nil {
		return "", p.TitleErr
	}
	return p.CurrentURL, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Panic {
		panic("driver exploded")
	}
	if p.TitleErr != nil {
		return "", p.TitleErr
	}
	return p.TitleText, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigations = append(p.Navigations, url)
	p.CurrentURL = url
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReloadErr != nil {
		return p.ReloadErr
	}
	p.Reloads++
	return nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTMLText, p.HTMLErr
}

func (p *Page) ContainsText(ctx context.Context, texts ...string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Panic {
		panic("driver exploded")
	}
	if p.TitleErr != nil {
		return false, p.TitleErr
	}
	for _, t := range texts {
		if t != "" && strings.Contains(p.Body, t) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) MoveMouse(ctx context.Context, to browser.Point, steps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.MouseMoves++
	return nil
}

func (p *Page) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	p.Enters++
	fn := p.OnEnter
	p.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func (p *Page) Screenshot(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Screenshots = append(p.Screenshots, path)
	return nil
}

func (p *Page) SetGeolocation(ctx context.Context, lat, lon float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Geolocations = append(p.Geolocations, browser.Point{X: lat, Y: lon})
	return nil
}

func (p *Page) Viewport() (int, int) { return 1366, 768 }

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Browser is a fake browser process.
type Browser struct {
	mu      sync.Mutex
	dead    bool
	closed  int
	// PageFactory, when set, builds the pages returned by NewPage.
	PageFactory func(url string) (browser.Page, error)
	Opened      []string
}

// NewBrowser returns a live fake browser.
func NewBrowser() *Browser { return &Browser{} }

func (b *Browser) NewPage(ctx context.Context, url string) (browser.Page, error) {
	b.mu.Lock()
	b.Opened = append(b.Opened, url)
	fn := b.PageFactory
	b.mu.Unlock()
	if fn != nil {
		return fn(url)
	}
	p := NewPage()
	p.CurrentURL = url
	return p, nil
}

// Kill marks the process as gone.
func (b *Browser) Kill() {
	b.mu.Lock()
	b.dead = true
	b.mu.Unlock()
}

// CloseCount returns how many times Close was called.
func (b *Browser) CloseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) Alive(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.dead && b.closed == 0
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

// Launcher is a fake launcher that hands out fresh fake pages.
type Launcher struct {
	mu sync.Mutex

	// Err, when set, fails every launch.
	Err error
	// FailNext fails the given number of upcoming launches.
	FailNext int
	// Setup, when set, prepares each new page before it is returned.
	Setup func(p *Page)

	launches int
	pages    []*Page
	browsers []*Browser
	opts     []browser.LaunchOptions
}

// NewLauncher returns a fake launcher.
func NewLauncher() *Launcher { return &Launcher{} }

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.opts = append(l.opts, opts)
	if l.Err != nil {
		return nil, nil, l.Err
	}
	if l.FailNext > 0 {
		l.FailNext--
		return nil, nil, errors.New("chrome failed to start")
	}
	p := NewPage()
	if l.Setup != nil {
		l.Setup(p)
	}
	b := NewBrowser()
	l.pages = append(l.pages, p)
	l.browsers = append(l.browsers, b)
	return b, p, nil
}

// SetErr changes the launch error.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// Launches returns the number of launch attempts.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// LastPage returns the page handed out by the most recent successful launch.
func (l *Launcher) LastPage() *Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pages) == 0 {
		return nil
	}
	return l.pages[len(l.pages)-1]
}

// LastBrowser returns the browser handed out by the most recent successful launch.
func (l *Launcher) LastBrowser() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}
