// Package browser adapts a Chrome DevTools page, driven through rod, to the
// page surface the resolver consumes: screenshots, viewport geometry, path
// resolution, path derivation, and scrolling.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"pinpoint/internal/types"
)

// Config controls browser launch and page setup.
type Config struct {
	DebuggerURL         string `yaml:"debugger_url"`
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1280
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight == 0 {
		return 800
	}
	return c.ViewportHeight
}

// Browser owns one Chrome connection and creates pages on it.
type Browser struct {
	browser    *rod.Browser
	controlURL string
	cfg        Config
}

// Connect attaches to an existing Chrome when cfg.DebuggerURL is set,
// otherwise launches one.
func Connect(ctx context.Context, cfg Config) (*Browser, error) {
	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &Browser{browser: b, controlURL: controlURL, cfg: cfg}, nil
}

// Close disconnects from Chrome, killing it if this process launched it.
func (b *Browser) Close() error {
	return b.browser.Close()
}

// OpenPage navigates a fresh page to url and waits for load.
func (b *Browser) OpenPage(ctx context.Context, url string) (*Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.viewportWidth(),
		Height:            b.cfg.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := page.Context(ctx).Timeout(b.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	return &Page{page: page}, nil
}

// Page implements types.Page over a rod page. Every DevTools failure is
// wrapped as a TransportError so the resolver's retry policy applies.
type Page struct {
	page *rod.Page
}

var _ types.Page = (*Page)(nil)

// Wrap adapts an already-open rod page.
func Wrap(page *rod.Page) *Page {
	return &Page{page: page}
}

// Screenshot captures the current viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, &types.TransportError{Op: "screenshot", Err: err}
	}
	return data, nil
}

// ViewportSize reports the CSS-pixel dimensions of the viewport.
func (p *Page) ViewportSize(ctx context.Context) (types.Size, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      `() => ({ w: window.innerWidth, h: window.innerHeight })`,
		ByValue: true,
	})
	if err != nil || res == nil {
		return types.Size{}, &types.TransportError{Op: "viewport size", Err: err}
	}
	return types.Size{
		Width:  res.Value.Get("w").Num(),
		Height: res.Value.Get("h").Num(),
	}, nil
}

// ResolvePath evaluates an XPath against the live DOM. A path that matches
// nothing is a miss, not an error; only DevTools failures error.
func (p *Page) ResolvePath(ctx context.Context, path string) (types.Rect, bool, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `(xpath) => {
			const node = document.evaluate(
				xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null,
			).singleNodeValue;
			if (!node || !node.getBoundingClientRect) return null;
			const r = node.getBoundingClientRect();
			return { left: r.left, top: r.top, right: r.right, bottom: r.bottom };
		}`,
		JSArgs:  []interface{}{path},
		ByValue: true,
	})
	if err != nil {
		return types.Rect{}, false, &types.TransportError{Op: "resolve path", Err: err}
	}
	if res == nil || res.Value.Nil() {
		return types.Rect{}, false, nil
	}
	rect := types.Rect{
		Left:   res.Value.Get("left").Num(),
		Top:    res.Value.Get("top").Num(),
		Right:  res.Value.Get("right").Num(),
		Bottom: res.Value.Get("bottom").Num(),
	}
	return rect, true, nil
}

// DerivePath walks up from the topmost element at pt, building an indexed
// XPath segment per ancestor. Points over canvas content or outside the
// document yield an empty path with an error.
func (p *Page) DerivePath(ctx context.Context, pt types.Point) (string, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `(x, y) => {
			let node = document.elementFromPoint(x, y);
			if (!node) return null;
			const segments = [];
			while (node && node.nodeType === Node.ELEMENT_NODE) {
				let index = 1;
				let sib = node.previousElementSibling;
				while (sib) {
					if (sib.tagName === node.tagName) index++;
					sib = sib.previousElementSibling;
				}
				segments.unshift(node.tagName.toLowerCase() + '[' + index + ']');
				node = node.parentElement;
			}
			return '/' + segments.join('/');
		}`,
		JSArgs:  []interface{}{pt.X, pt.Y},
		ByValue: true,
	})
	if err != nil {
		return "", &types.TransportError{Op: "derive path", Err: err}
	}
	if res == nil || res.Value.Nil() {
		return "", fmt.Errorf("no element at (%g, %g)", pt.X, pt.Y)
	}
	return res.Value.Str(), nil
}

// ScrollBy scrolls the window by the given CSS-pixel deltas.
func (p *Page) ScrollBy(ctx context.Context, dx, dy float64) error {
	_, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      `(dx, dy) => { window.scrollBy(dx, dy); }`,
		JSArgs:  []interface{}{dx, dy},
		ByValue: true,
	})
	if err != nil {
		return &types.TransportError{Op: "scroll", Err: err}
	}
	return nil
}
