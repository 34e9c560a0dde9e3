package portaltest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
)

// BaseURL is the listing address of the fake portal.
const BaseURL = "https://invoicing.eta.gov.eg/documents"

// Portal is an in-memory portal tab serving positional listing pages. Pages
// listed in Stuck never finish loading.
type Portal struct {
	TotalPages int
	PerPage    int
	Stuck      map[int]bool
	// StaticURL makes the portal ignore the page parameter of the URL.
	StaticURL bool
	// TotalCount, when set, leaves the last page short of PerPage rows.
	TotalCount int

	mu          sync.Mutex
	current     int
	details     string
	Clicks      []string
	Navigations []string

	inflight    atomic.Int32
	MaxInflight atomic.Int32
	Opened      atomic.Int32
}

// NewPortal returns a portal showing page 1.
func NewPortal(totalPages, perPage int) *Portal {
	return &Portal{TotalPages: totalPages, PerPage: perPage, Stuck: map[int]bool{}, current: 1}
}

// Current returns the page shown in the tab.
func (p *Portal) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Render returns the markup of page n.
func (p *Portal) Render(n int) string {
	if p.Stuck[n] {
		return `<html><body><div class="loading">جاري التحميل</div></body></html>`
	}
	total := p.TotalPages * p.PerPage
	if p.TotalCount > 0 {
		total = p.TotalCount
	}
	return PageWith(n, p.TotalPages, p.PerPage, total, Rows(n, p.RowsOn(n)))
}

// RowsOn returns the number of rows listed on page n.
func (p *Portal) RowsOn(n int) int {
	if p.TotalCount <= 0 {
		return p.PerPage
	}
	return max(min(p.PerPage, p.TotalCount-(n-1)*p.PerPage), 0)
}

func (p *Portal) render() string {
	src := p.Render(p.current)
	if p.details != "" {
		modal := fmt.Sprintf(`<div class="modal"><button class="close">x</button><div class="modal-body">`+
			`<table><tr><th>code</th><th>desc</th><th>qty</th><th>price</th><th>value</th><th>vat</th></tr>`+
			`<tr><td>%s-A</td><td>Item</td><td>2</td><td>50.00</td><td>100.00</td><td>14.00</td></tr>`+
			`</table></div></div>`, p.details)
		src = strings.Replace(src, "</body>", modal+"</body>", 1)
	}
	return src
}

// Snapshot parses the current page.
func (p *Portal) Snapshot(_ context.Context) (*goquery.Document, error) {
	p.mu.Lock()
	src := p.render()
	p.mu.Unlock()
	return goquery.NewDocumentFromReader(strings.NewReader(src))
}

// URL returns the address of the current page.
func (p *Portal) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BaseURL + "?page=" + strconv.Itoa(p.current), nil
}

// Click follows page links and opens or closes the details dialog.
func (p *Portal) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.render()))
	if err != nil {
		return err
	}
	s := doc.Find(selector).First()
	if s.Length() == 0 {
		return errors.New("element not found: " + selector)
	}
	p.Clicks = append(p.Clicks, selector)
	switch {
	case s.HasClass("close"):
		p.details = ""
	case s.AttrOr("data-uuid", "") != "":
		p.details = s.AttrOr("data-uuid", "")
	default:
		if n := PageOf(s.AttrOr("href", "")); n > 0 {
			p.current = n
		}
	}
	return nil
}

// Navigate loads the page named by the URL's page parameter.
func (p *Portal) Navigate(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, rawURL)
	p.details = ""
	if p.StaticURL {
		return nil
	}
	if n := PageOf(rawURL); n > 0 {
		p.current = n
	}
	return nil
}

// View is a fixed offscreen document.
type View struct {
	src string
}

// Snapshot parses the view.
func (v View) Snapshot(_ context.Context) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(v.src))
}

// OpenView renders the page named by rawURL in an offscreen view.
func (p *Portal) OpenView(_ context.Context, rawURL string) (View, func(), error) {
	n := PageOf(rawURL)
	if n <= 0 {
		return View{}, nil, errors.New("no page in url")
	}
	if p.StaticURL {
		n = 1
	}
	cur := p.inflight.Add(1)
	for {
		m := p.MaxInflight.Load()
		if cur <= m || p.MaxInflight.CompareAndSwap(m, cur) {
			break
		}
	}
	p.Opened.Add(1)
	return View{src: p.Render(n)}, func() { p.inflight.Add(-1) }, nil
}

// PageOf returns the page parameter of rawURL, or 0.
func PageOf(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(u.Query().Get("page"))
	return n
}
