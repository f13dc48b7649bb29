package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketwatch/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// stealthScript runs before any page script on every document.
const stealthScript = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'plugins', {
		get: () => [
			{ name: 'PDF Viewer', filename: 'internal-pdf-viewer' },
			{ name: 'Chrome PDF Viewer', filename: 'internal-pdf-viewer' },
			{ name: 'Chromium PDF Viewer', filename: 'internal-pdf-viewer' },
		],
	});
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	window.chrome = window.chrome || { runtime: {} };
}`

const findTimeout = 2 * time.Second

// RodLauncher launches Chromium through go-rod with a persistent profile.
type RodLauncher struct{}

// NewRodLauncher returns a Launcher backed by go-rod.
func NewRodLauncher() *RodLauncher { return &RodLauncher{} }

// Launch starts Chromium, connects, opens the first page and applies the
// stealth profile to it.
func (RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, Page, error) {
	if opts.ProfileDir != "" {
		if err := os.MkdirAll(opts.ProfileDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create profile dir: %w", err)
		}
	}

	l := launcher.New().Headless(opts.Headless).Leakless(true)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	} else if bin, ok := launcher.LookPath(); ok {
		l = l.Bin(bin)
	}
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}
	l = l.Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("no-first-run")).
		Set(flags.Flag("no-default-browser-check"))
	if opts.Locale != "" {
		l = l.Set(flags.Flag("lang"), opts.Locale)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", opts.ViewportWidth, opts.ViewportHeight))
	}
	for name, val := range opts.Flags {
		name = strings.TrimLeft(name, "-")
		if val == "" {
			l = l.Set(flags.Flag(name))
		} else {
			l = l.Set(flags.Flag(name), val)
		}
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch chrome: %w", err)
	}

	rb := rod.New().ControlURL(controlURL).Context(context.Background())
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("connect to chrome: %w", err)
	}

	b := &rodBrowser{browser: rb, launcher: l, opts: opts}
	page, err := b.NewPage(ctx, "")
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	logging.Browser("chrome connected at %s (profile %s)", controlURL, opts.ProfileDir)
	return b, page, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     LaunchOptions
}

func (b *rodBrowser) NewPage(ctx context.Context, url string) (Page, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page := &rodPage{page: p, width: b.opts.ViewportWidth, height: b.opts.ViewportHeight}
	if err := page.applyStealth(b.opts); err != nil {
		_ = p.Close()
		return nil, err
	}
	if url != "" {
		if err := page.Navigate(ctx, url); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return page, nil
}

func (b *rodBrowser) Alive(ctx context.Context) bool {
	_, err := proto.BrowserGetVersion{}.Call(b.browser.Context(ctx))
	return err == nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	if b.launcher != nil {
		// Kill, not Cleanup: Cleanup would delete the persistent profile.
		b.launcher.Kill()
	}
	return err
}

type rodPage struct {
	page          *rod.Page
	width, height int
}

func (p *rodPage) applyStealth(opts LaunchOptions) error {
	if opts.UserAgent != "" {
		if err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      opts.UserAgent,
			AcceptLanguage: opts.Locale,
		}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if p.width > 0 && p.height > 0 {
		if err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             p.width,
			Height:            p.height,
			DeviceScaleFactor: 1,
			Mobile:            false,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if _, err := p.page.EvalOnNewDocument("(" + stealthScript + ")()"); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}
	return nil
}

func (p *rodPage) Find(ctx context.Context, target Target) (Element, error) {
	strategies := strategiesFor(target)
	if len(strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies for %s", ErrNotFound, target.Intent)
	}
	var lastErr error
	for i, s := range strategies {
		el, err := p.try(ctx, s, target.Text)
		if err != nil {
			if IsCriticalPageError(err) && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if el != nil {
			if i > 0 {
				logging.BrowserDebug("locator %s matched fallback #%d", target.Intent, i)
			}
			return &rodElement{el: el}, nil
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if lastErr != nil {
		logging.BrowserDebug("locator %s: %v", target.Intent, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, target.Intent)
}

func (p *rodPage) try(ctx context.Context, s strategy, text string) (*rod.Element, error) {
	page := p.page.Context(ctx)
	switch {
	case s.JS != "":
		el, err := page.Timeout(findTimeout).ElementByJS(rod.Eval(s.JS))
		if err != nil {
			var notFound *rod.ElementNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		return el, nil
	case s.TextRegex != "":
		has, el, err := page.HasR(s.CSS, s.textRegex(text))
		if err != nil || !has {
			return nil, err
		}
		return el, nil
	default:
		has, el, err := page.Has(s.CSS)
		if err != nil || !has {
			return nil, err
		}
		return el, nil
	}
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Title reads document.title inside the page, so a hung renderer fails it.
func (p *rodPage) Title(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) Reload(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := page.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return page.WaitLoad()
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) ContainsText(ctx context.Context, texts ...string) (bool, error) {
	if len(texts) == 0 {
		return false, nil
	}
	res, err := p.page.Context(ctx).Eval(`(needles) => {
		const body = document.body ? document.body.innerText : '';
		return needles.some(n => body.includes(n));
	}`, texts)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *rodPage) MoveMouse(ctx context.Context, to Point, steps int) error {
	return p.page.Context(ctx).Mouse.MoveLinear(proto.Point{X: to.X, Y: to.Y}, steps)
}

func (p *rodPage) PressEnter(ctx context.Context) error {
	return p.page.Context(ctx).Keyboard.Press(input.Enter)
}

func (p *rodPage) Screenshot(ctx context.Context, path string) error {
	data, err := p.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (p *rodPage) SetGeolocation(ctx context.Context, lat, lon float64) error {
	accuracy := 100.0
	page := p.page.Context(ctx)
	if err := (proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{proto.BrowserPermissionTypeGeolocation},
	}).Call(page.Browser()); err != nil {
		logging.BrowserWarn("grant geolocation permission: %v", err)
	}
	return proto.EmulationSetGeolocationOverride{
		Latitude:  &lat,
		Longitude: &lon,
		Accuracy:  &accuracy,
	}.Call(page)
}

func (p *rodPage) Viewport() (int, int) { return p.width, p.height }

func (p *rodPage) Close() error { return p.page.Close() }

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	return e.el.Context(ctx).Visible()
}

func (e *rodElement) Center(ctx context.Context) (Point, error) {
	shape, err := e.el.Context(ctx).Shape()
	if err != nil {
		return Point{}, err
	}
	pt := shape.OnePointInside()
	if pt == nil {
		return Point{}, errors.New("element has no visible box")
	}
	return Point{X: pt.X, Y: pt.Y}, nil
}

func (e *rodElement) Hover(ctx context.Context) error { return e.el.Context(ctx).Hover() }

func (e *rodElement) Click(ctx context.Context) error {
	return e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodElement) Focus(ctx context.Context) error { return e.el.Context(ctx).Focus() }

func (e *rodElement) Text(ctx context.Context) (string, error) { return e.el.Context(ctx).Text() }

func (e *rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (e *rodElement) Value(ctx context.Context) (string, error) {
	v, err := e.el.Context(ctx).Property("value")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *rodElement) Fill(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

func (e *rodElement) TypeKeys(ctx context.Context, text string) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return err
	}
	page := el.Page()
	if err := page.Keyboard.Press(input.Backspace); err != nil {
		return err
	}
	for _, r := range text {
		if err := page.InsertText(string(r)); err != nil {
			return err
		}
		time.Sleep(40 * time.Millisecond)
	}
	return nil
}

func (e *rodElement) SetValue(ctx context.Context, text string) error {
	_, err := e.el.Context(ctx).Eval(`(v) => {
		const setter = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(this), 'value');
		if (setter && setter.set) { setter.set.call(this, v); } else { this.value = v; }
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`, text)
	return err
}
