package eta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"etaexport/internal/apiprobe"
	"etaexport/internal/browser"
	"etaexport/internal/locator"
	"etaexport/internal/traversal"
	"etaexport/internal/wait"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// ErrNoElement is returned by Click when the selector matches nothing.
var ErrNoElement = errors.New("element not found")

// Client drives the portal tab. It serves as the traversal host, opens
// off-screen tabs and reads stored credentials.
type Client struct {
	browser   *browser.Browser
	page      *rod.Page
	userAgent string

	mu    sync.Mutex
	views map[*rod.Page]struct{}

	logger zerolog.Logger
}

var (
	_ traversal.Host       = (*Client)(nil)
	_ traversal.Offscreen  = (*Client)(nil)
	_ apiprobe.TokenSource = (*Client)(nil)
)

// NewClient returns a client on b.
func NewClient(b *browser.Browser) *Client {
	ua := b.Config().UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		browser:   b,
		userAgent: ua,
		views:     map[*rod.Page]struct{}{},
		logger:    log.With().Str("component", "eta-client").Logger(),
	}
}

// Init opens the portal tab at url.
func (c *Client) Init(ctx context.Context, url string) error {
	page, err := c.newPage(ctx)
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	c.page = page
	if err := c.Navigate(ctx, url); err != nil {
		return fmt.Errorf("failed to open portal: %w", err)
	}
	return nil
}

func (c *Client) newPage(ctx context.Context) (*rod.Page, error) {
	page, err := c.browser.NewPage(context.Background())
	if err != nil {
		return nil, err
	}
	_ = page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.userAgent})
	if _, err := page.Context(ctx).EvalOnNewDocument(hideWebdriver); err != nil {
		c.logger.Debug().Err(err).Msg("webdriver flag not hidden")
	}
	return page, nil
}

// WaitForTable waits until the listing shows an invoice table, which may take
// as long as the user needs to log in.
func (c *Client) WaitForTable(ctx context.Context, interval, timeout time.Duration) error {
	return wait.Until(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		doc, err := c.Snapshot(ctx)
		if err != nil {
			return false, nil
		}
		return locator.Locate(doc) != nil, nil
	})
}

// Snapshot parses the current HTML of the portal tab.
func (c *Client) Snapshot(ctx context.Context) (*goquery.Document, error) {
	return snapshot(ctx, c.page)
}

func snapshot(ctx context.Context, page *rod.Page) (*goquery.Document, error) {
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	return doc, nil
}

// URL returns the address of the portal tab.
func (c *Client) URL(ctx context.Context) (string, error) {
	info, err := c.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Click clicks the first element matching selector inside the page.
func (c *Client) Click(ctx context.Context, selector string) error {
	res, err := c.page.Context(ctx).Eval(`(sel) => {
        const el = document.querySelector(sel);
        if (!el) return false;
        el.scrollIntoView({block: 'center'});
        el.click();
        return true;
    }`, selector)
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("click %s: %w", selector, ErrNoElement)
	}
	return nil
}

// Navigate loads url in the portal tab.
func (c *Client) Navigate(ctx context.Context, url string) error {
	return navigate(ctx, c.page, url)
}

func navigate(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s: %w", url, err)
	}
	return nil
}

type view struct{ page *rod.Page }

func (v view) Snapshot(ctx context.Context) (*goquery.Document, error) {
	return snapshot(ctx, v.page)
}

// Open loads url in a new background tab sharing the portal session. The
// returned function closes the tab.
func (c *Client) Open(ctx context.Context, url string) (traversal.View, func(), error) {
	page, err := c.newPage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create page: %w", err)
	}
	c.mu.Lock()
	c.views[page] = struct{}{}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		_, open := c.views[page]
		delete(c.views, page)
		c.mu.Unlock()
		if open {
			_ = page.Close()
		}
	}
	if err := navigate(ctx, page, url); err != nil {
		release()
		return nil, nil, err
	}
	return view{page}, release, nil
}

// LocalStorage returns the local storage of the portal origin.
func (c *Client) LocalStorage(ctx context.Context) (map[string]string, error) {
	return c.storage(ctx, "localStorage")
}

// SessionStorage returns the session storage of the portal origin.
func (c *Client) SessionStorage(ctx context.Context) (map[string]string, error) {
	return c.storage(ctx, "sessionStorage")
}

func (c *Client) storage(ctx context.Context, name string) (map[string]string, error) {
	res, err := c.page.Context(ctx).Eval(`(name) => {
        const s = window[name], out = {};
        for (let i = 0; i < s.length; i++) {
            const k = s.key(i);
            out[k] = s.getItem(k);
        }
        return out;
    }`, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	out := map[string]string{}
	for k, v := range res.Value.Map() {
		out[k] = v.Str()
	}
	return out, nil
}

// Cookies returns the cookies visible to the portal tab.
func (c *Client) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := c.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	out := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		out[ck.Name] = ck.Value
	}
	return out, nil
}

// ObserveRequests feeds every request of the portal tab to probe until ctx
// is done.
func (c *Client) ObserveRequests(ctx context.Context, probe *apiprobe.Probe) {
	listen := c.page.Context(ctx).EachEvent(func(e *proto.NetworkRequestWillBeSent) {
		req := e.Request
		headers := make(map[string]string, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v.Str()
		}
		if probe.Observe(req.URL, req.Method, headers, req.PostData) {
			c.logger.Info().Str("url", req.URL).Str("method", req.Method).Msg("listing endpoint discovered")
		}
	})
	go listen()
}

// Close closes every off-screen tab and the portal tab.
func (c *Client) Close() {
	c.mu.Lock()
	pages := make([]*rod.Page, 0, len(c.views))
	for p := range c.views {
		pages = append(pages, p)
	}
	c.views = map[*rod.Page]struct{}{}
	c.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}
	if c.page != nil {
		_ = c.page.Close()
	}
}
