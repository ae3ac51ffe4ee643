package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Renderer returns the HTML of a page after its scripts ran.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

var errRendererClosed = errors.New("renderer: browser is closed")

// BrowserRenderer drives a shared headless Chrome. The browser is launched on
// first use and every render gets its own stealth page.
type BrowserRenderer struct {
	timeout time.Duration

	mu      sync.Mutex
	browser *rod.Browser
	closed  bool
}

func NewBrowserRenderer(timeout time.Duration) *BrowserRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BrowserRenderer{timeout: timeout}
}

func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		r.dropBrowser()
		return "", fmt.Errorf("renderer: stealth page: %w", err)
	}
	defer func() {
		_ = rod.Try(func() { page.MustClose() })
	}()

	page = page.Context(ctx).Timeout(r.timeout)

	_ = proto.PageSetDownloadBehavior{
		Behavior: proto.PageSetDownloadBehaviorBehaviorDeny,
	}.Call(page)

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("renderer: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("renderer: wait load: %w", err)
	}
	// tables on these sites are filled by scripts after load
	_ = page.WaitIdle(2 * time.Second)

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("renderer: read html: %w", err)
	}
	return html, nil
}

func (r *BrowserRenderer) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRendererClosed
	}
	if r.browser != nil {
		return r.browser, nil
	}

	controlURL, err := launcher.New().
		Leakless(true).
		Headless(true).
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("renderer: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("renderer: connect browser: %w", err)
	}
	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorDeny,
		BrowserContextID: browser.BrowserContextID,
	}).Call(browser); err != nil {
		log.Warn("disable browser downloads failed", "error", err)
	}

	r.browser = browser
	return browser, nil
}

func (r *BrowserRenderer) dropBrowser() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		_ = r.browser.Close()
		r.browser = nil
	}
}

// Close shuts the browser down. Later renders fail.
func (r *BrowserRenderer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.dropBrowser()
}
