// Package traversal walks the pages of the portal listing and scans each one.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"etaexport/internal/extractor"
	"etaexport/internal/i18n"
	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/normalize"
	"etaexport/internal/pagination"
	"etaexport/internal/wait"
)

// ErrNoControl is returned when no navigation strategy could reach a page.
var ErrNoControl = errors.New("no way to reach page")

// View is a rendered document that can be snapshotted.
type View interface {
	Snapshot(ctx context.Context) (*goquery.Document, error)
}

// Host is the visible portal tab.
type Host interface {
	View
	URL(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Navigate(ctx context.Context, url string) error
}

// Offscreen opens pages in views that do not disturb the visible tab. The
// returned function releases the view.
type Offscreen interface {
	Open(ctx context.Context, url string) (View, func(), error)
}

// Phase is the traversal state of one page.
type Phase int

const (
	Idle Phase = iota
	Navigating
	AwaitingStableRender
	Scanning
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Navigating:
		return "navigating"
	case AwaitingStableRender:
		return "awaiting_stable_render"
	case Scanning:
		return "scanning"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// PageResult is the outcome of one page. A failed page has no records.
type PageResult struct {
	Page     int
	Records  []invoice.Record
	Rejected int
	Err      error
}

// Loading matches indicators shown while the listing renders.
const Loading = `.loading, .spinner, .ms-Spinner, .ms-Shimmer, [class*="loading"], [aria-busy="true"]`

// Engine drives page navigation on a Host. It is not safe for concurrent
// traversals; calls are serialized.
type Engine struct {
	Host      Host
	Offscreen Offscreen
	Extractor *extractor.Extractor

	BatchSize    int
	PollInterval time.Duration
	PageTimeout  time.Duration
	Settle       time.Duration
	BatchDelay   time.Duration
	Lang         string

	mu       sync.Mutex
	current  int
	pageSize int
	logger   zerolog.Logger
}

// New returns an engine with the default timings and the balanced batch size.
func New(host Host, ex *extractor.Extractor) *Engine {
	return &Engine{
		Host:         host,
		Extractor:    ex,
		BatchSize:    Balanced.BatchSize(),
		PollInterval: 200 * time.Millisecond,
		PageTimeout:  10 * time.Second,
		Settle:       500 * time.Millisecond,
		BatchDelay:   300 * time.Millisecond,
		logger:       log.With().Str("component", "traversal").Logger(),
	}
}

// Batches splits pages into consecutive groups of at most size pages.
func Batches(pages []int, size int) [][]int {
	if size < 1 {
		size = 1
	}
	var out [][]int
	for i := 0; i < len(pages); i += size {
		end := min(i+size, len(pages))
		out = append(out, pages[i:end])
	}
	return out
}

// Pages returns 1..total.
func Pages(total int) []int {
	out := make([]int, 0, total)
	for i := 1; i <= total; i++ {
		out = append(out, i)
	}
	return out
}

// TraverseAll visits pages in ascending batches and scans each one. start is
// the paging state of the visible listing. Progress is reported after every
// batch. A page that fails contributes an empty result; the traversal goes on.
func (e *Engine) TraverseAll(ctx context.Context, start pagination.State, pages []int, onProgress invoice.ProgressFunc) []PageResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.current = start.CurrentPage
	e.pageSize = start.PageSize
	baseURL, err := e.Host.URL(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("host url unavailable, offscreen loading disabled")
	}

	batches := Batches(pages, e.BatchSize)
	results := make([]PageResult, 0, len(pages))
	for bi, batch := range batches {
		if bi > 0 {
			if err := wait.Sleep(ctx, e.BatchDelay); err != nil {
				e.logger.Warn().Err(err).Msg("traversal cancelled")
				break
			}
		}
		results = append(results, e.runBatch(ctx, baseURL, batch)...)

		if onProgress != nil {
			done := len(results)
			onProgress(invoice.Progress{
				CurrentPage: done,
				TotalPages:  len(pages),
				Message:     i18n.Message(e.Lang, i18n.ProgressPages, done, len(pages)),
				Percentage:  float64(done) * 100 / float64(len(pages)),
			})
		}
	}
	return results
}

func (e *Engine) runBatch(ctx context.Context, baseURL string, batch []int) []PageResult {
	results := make([]PageResult, len(batch))
	if len(batch) > 1 && e.Offscreen != nil && baseURL != "" {
		type indexed struct {
			idx int
			res PageResult
		}
		ch := make(chan indexed, len(batch))
		var wg sync.WaitGroup
		for i, page := range batch {
			if page == e.current {
				results[i] = e.loadInPlace(ctx, page)
				continue
			}
			wg.Add(1)
			go func(i, page int) {
				defer wg.Done()
				ch <- indexed{idx: i, res: e.loadOffscreen(ctx, baseURL, page)}
			}(i, page)
		}
		wg.Wait()
		close(ch)
		for r := range ch {
			results[r.idx] = r.res
		}
		for i, r := range results {
			if r.Err != nil && batch[i] != e.current {
				e.logger.Debug().Int("page", r.Page).Err(r.Err).Msg("offscreen load failed, navigating in place")
				results[i] = e.loadInPlace(ctx, batch[i])
			}
		}
		return results
	}

	for i, page := range batch {
		res := e.loadInPlace(ctx, page)
		if res.Err != nil && e.Offscreen != nil && baseURL != "" {
			res = e.loadOffscreen(ctx, baseURL, page)
		}
		results[i] = res
	}
	return results
}

func (e *Engine) phase(page int, p Phase) {
	e.logger.Debug().Int("page", page).Str("phase", p.String()).Msg("page state")
}

func (e *Engine) fail(page int, err error) PageResult {
	e.phase(page, Failed)
	e.logger.Warn().Int("page", page).Err(err).Msg("page skipped")
	return PageResult{Page: page, Records: []invoice.Record{}, Err: err}
}

// loadInPlace reaches page in the visible tab by clicking its pagination
// control, or else by rewriting the page parameter of the URL.
func (e *Engine) loadInPlace(ctx context.Context, page int) PageResult {
	e.phase(page, Idle)
	doc, err := e.Host.Snapshot(ctx)
	if err != nil {
		return e.fail(page, fmt.Errorf("snapshot: %w", err))
	}
	if page == e.current {
		e.phase(page, AwaitingStableRender)
		doc, err = e.awaitStable(ctx, e.Host, nil)
		if err != nil {
			return e.fail(page, err)
		}
		return e.scan(page, doc)
	}

	before := locator.FirstRow(doc)
	changed := func(d *goquery.Document) bool { return locator.FirstRow(d) != before }

	e.phase(page, Navigating)
	var lastErr error = ErrNoControl
	if sel := ControlFor(doc, page); sel != "" {
		if err := e.Host.Click(ctx, sel); err != nil {
			lastErr = fmt.Errorf("click page %d: %w", page, err)
		} else {
			e.phase(page, AwaitingStableRender)
			d, err := e.awaitStable(ctx, e.Host, changed)
			if err == nil {
				e.current = page
				return e.scan(page, d)
			}
			lastErr = err
		}
	}

	cur, err := e.Host.URL(ctx)
	if err != nil {
		return e.fail(page, fmt.Errorf("host url: %w", err))
	}
	target := WithPage(cur, page)
	if target == "" {
		return e.fail(page, lastErr)
	}
	e.phase(page, Navigating)
	if err := e.Host.Navigate(ctx, target); err != nil {
		return e.fail(page, fmt.Errorf("navigate page %d: %w", page, err))
	}
	e.current = 0
	e.phase(page, AwaitingStableRender)
	doc, err = e.awaitStable(ctx, e.Host, changed)
	if err != nil {
		return e.fail(page, err)
	}
	e.current = page
	return e.scan(page, doc)
}

// loadOffscreen renders page in an offscreen view and waits until the view
// shows the requested page. A view that does not tell its page is accepted
// once it has rows.
func (e *Engine) loadOffscreen(ctx context.Context, baseURL string, page int) PageResult {
	target := WithPage(baseURL, page)
	if target == "" {
		return e.fail(page, ErrNoControl)
	}
	e.phase(page, Navigating)
	view, release, err := e.Offscreen.Open(ctx, target)
	if err != nil {
		return e.fail(page, fmt.Errorf("open offscreen page %d: %w", page, err))
	}
	defer release()

	e.phase(page, AwaitingStableRender)
	doc, err := e.awaitStable(ctx, view, func(d *goquery.Document) bool {
		n := pagination.PageOf(d, e.pageSize)
		return n == 0 || n == page
	})
	if err != nil {
		return e.fail(page, err)
	}
	return e.scan(page, doc)
}

func (e *Engine) scan(page int, doc *goquery.Document) PageResult {
	e.phase(page, Scanning)
	table := locator.Locate(doc)
	if table == nil {
		return e.fail(page, locator.ErrTableNotFound)
	}
	records, rejected := e.Extractor.ExtractAll(table)
	e.phase(page, Done)
	e.logger.Debug().Int("page", page).Int("records", len(records)).Int("rejected", rejected).Msg("page scanned")
	return PageResult{Page: page, Records: records, Rejected: rejected}
}

// awaitStable polls view until no loading indicator is shown, the listing has
// at least one row and check, when given, holds. It then waits the settle
// interval and snapshots again.
func (e *Engine) awaitStable(ctx context.Context, view View, check func(*goquery.Document) bool) (*goquery.Document, error) {
	var doc *goquery.Document
	err := wait.Until(ctx, e.PollInterval, e.PageTimeout, func(ctx context.Context) (bool, error) {
		d, err := view.Snapshot(ctx)
		if err != nil {
			return false, nil
		}
		if IsLoading(d) || locator.Rows(locator.Locate(d)).Length() == 0 {
			return false, nil
		}
		if check != nil && !check(d) {
			return false, nil
		}
		doc = d
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if err := wait.Sleep(ctx, e.Settle); err != nil {
		return nil, err
	}
	if d, err := view.Snapshot(ctx); err == nil && locator.Locate(d) != nil {
		doc = d
	}
	return doc, nil
}

// IsLoading reports whether doc shows a loading indicator that is not hidden.
func IsLoading(doc *goquery.Document) bool {
	return doc.Find(Loading).FilterFunction(func(_ int, s *goquery.Selection) bool {
		if _, hidden := s.Attr("hidden"); hidden {
			return false
		}
		if s.AttrOr("aria-hidden", "") == "true" {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
		return !strings.Contains(style, "display:none") && !strings.Contains(style, "visibility:hidden")
	}).Length() > 0
}

// ControlFor returns the CSS path of a control that leads to page: a link
// whose page parameter is page, an element with data-page, or a pagination
// control labelled with the page number.
func ControlFor(doc *goquery.Document, page int) string {
	want := strconv.Itoa(page)

	var found *goquery.Selection
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		u, err := url.Parse(a.AttrOr("href", ""))
		if err != nil {
			return true
		}
		q := u.Query()
		for _, k := range pageParams {
			if q.Get(k) == want {
				found = a
				return false
			}
		}
		return true
	})
	if found == nil {
		if s := doc.Find(`[data-page="` + want + `"]`).First(); s.Length() > 0 {
			found = s
		}
	}
	if found == nil {
		doc.Find(pagination.Controls).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if normalize.Text(normalize.FoldDigits(s.Text())) == want && s.Find("a, button").Length() == 0 {
				found = s
				return false
			}
			return true
		})
	}
	return locator.Path(found)
}

var pageParams = []string{"page", "p", "pageNo", "pageNumber"}

// WithPage rewrites the page parameter of rawURL, keeping the parameter name
// already in use. It returns "" when rawURL cannot be parsed.
func WithPage(rawURL string, page int) string {
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return ""
	}
	q := u.Query()
	key := "page"
	for _, k := range pageParams {
		if q.Has(k) {
			key = k
			break
		}
	}
	q.Set(key, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
