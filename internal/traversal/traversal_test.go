package traversal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etaexport/internal/extractor"
	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
	"etaexport/internal/pagination"
	"etaexport/internal/portaltest"
	"etaexport/internal/wait"
)

type offscreen struct {
	portal *portaltest.Portal
}

func (o offscreen) Open(ctx context.Context, rawURL string) (View, func(), error) {
	v, release, err := o.portal.OpenView(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}
	return v, release, nil
}

// markup serves the same document for every offscreen URL.
type markup string

func (m markup) Open(context.Context, string) (View, func(), error) {
	return m, func() {}, nil
}

func (m markup) Snapshot(context.Context) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(string(m)))
}

func newEngine(p *portaltest.Portal, batch int) *Engine {
	e := New(p, extractor.New("https://invoicing.eta.gov.eg", normalize.DefaultVATRate))
	e.BatchSize = batch
	e.PollInterval = time.Millisecond
	e.PageTimeout = 40 * time.Millisecond
	e.Settle = 0
	e.BatchDelay = 0
	e.Lang = "en"
	return e
}

func start(p *portaltest.Portal) pagination.State {
	return pagination.State{CurrentPage: p.Current(), TotalPages: p.TotalPages, PageSize: p.PerPage}
}

func electronicNumbers(results []PageResult) []string {
	var out []string
	for _, r := range results {
		for _, rec := range r.Records {
			out = append(out, rec.ElectronicNumber)
		}
	}
	return out
}

func expectedNumbers(pages []int, perPage int) []string {
	var out []string
	for _, p := range pages {
		for _, r := range portaltest.Rows(p, perPage) {
			out = append(out, r.Electronic)
		}
	}
	return out
}

func TestBatches(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, Batches(Pages(7), 3))
	assert.Equal(t, [][]int{{1}, {2}}, Batches(Pages(2), 0))
	assert.Empty(t, Batches(nil, 3))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]int{"": 3, "safe": 1, "Conservative": 1, "auto": 3, "fast": 5, "aggressive": 5} {
		m, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, m.BatchSize(), in)
	}
	_, err := ParseMode("turbo")
	assert.Error(t, err)
}

func TestTraverseInPlaceOrderAndProgress(t *testing.T) {
	p := portaltest.NewPortal(7, 4)
	e := newEngine(p, 3)

	var events []invoice.Progress
	results := e.TraverseAll(context.Background(), start(p), Pages(7), func(ev invoice.Progress) {
		events = append(events, ev)
	})

	require.Len(t, results, 7)
	for i, r := range results {
		assert.Equal(t, i+1, r.Page)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, expectedNumbers(Pages(7), 4), electronicNumbers(results))

	require.Len(t, events, 3)
	assert.Equal(t, []int{3, 6, 7}, []int{events[0].CurrentPage, events[1].CurrentPage, events[2].CurrentPage})
	assert.Equal(t, "Loaded 7 of 7 pages", events[2].Message)
	assert.InDelta(t, 100.0, events[2].Percentage, 0.001)

	assert.Equal(t, 7, p.Current())
	assert.Len(t, p.Clicks, 6)
	assert.Empty(t, p.Navigations)
}

func TestTimedOutPageIsEmpty(t *testing.T) {
	p := portaltest.NewPortal(4, 3)
	p.Stuck[2] = true
	e := newEngine(p, 1)

	results := e.TraverseAll(context.Background(), start(p), Pages(4), nil)

	require.Len(t, results, 4)
	assert.ErrorIs(t, results[1].Err, wait.ErrTimeout)
	assert.Empty(t, results[1].Records)
	assert.Equal(t, expectedNumbers([]int{1, 3, 4}, 3), electronicNumbers(results))
}

func TestURLRewriteFallback(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	p.Stuck[2] = true
	e := newEngine(p, 1)

	// Page 2 never renders a pager, so page 3 is reached through the URL.
	results := e.TraverseAll(context.Background(), start(p), Pages(3), nil)

	require.Len(t, results, 3)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, expectedNumbers([]int{3}, 2), electronicNumbers(results[2:]))
	assert.Contains(t, p.Navigations, portaltest.BaseURL+"?page=3")
}

func TestOffscreenBatches(t *testing.T) {
	p := portaltest.NewPortal(7, 2)
	e := newEngine(p, 3)
	e.Offscreen = offscreen{p}

	results := e.TraverseAll(context.Background(), start(p), Pages(7), nil)

	assert.Equal(t, expectedNumbers(Pages(7), 2), electronicNumbers(results))
	assert.LessOrEqual(t, p.MaxInflight.Load(), int32(3))
	// Page 1 is already visible and page 7 is a batch of one.
	assert.Equal(t, int32(5), p.Opened.Load())
	assert.Len(t, p.Clicks, 1)
	assert.Equal(t, 7, p.Current())
}

func TestOffscreenShortLastPage(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	p.TotalCount = 5
	e := newEngine(p, 3)
	e.Offscreen = offscreen{p}

	results := e.TraverseAll(context.Background(), start(p), Pages(3), nil)

	want := append(expectedNumbers([]int{1, 2}, 2), portaltest.RowFor(3, 0).Electronic)
	assert.Equal(t, want, electronicNumbers(results))
	for _, r := range results {
		assert.NoError(t, r.Err, "page %d", r.Page)
	}
	assert.Empty(t, p.Clicks)
	assert.Equal(t, int32(2), p.Opened.Load())
}

func TestOffscreenRangeSummaryOnly(t *testing.T) {
	src := portaltest.PageWith(3, 3, 2, 5, portaltest.Rows(3, 1))
	src = strings.Replace(src, portaltest.Pager(3, 3), "", 1)
	e := newEngine(portaltest.NewPortal(3, 2), 3)
	e.Offscreen = markup(src)
	e.pageSize = 2

	res := e.loadOffscreen(context.Background(), portaltest.BaseURL+"?page=1", 3)
	require.NoError(t, res.Err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, portaltest.RowFor(3, 0).Electronic, res.Records[0].ElectronicNumber)

	res = e.loadOffscreen(context.Background(), portaltest.BaseURL+"?page=1", 2)
	assert.ErrorIs(t, res.Err, wait.ErrTimeout)
}

func TestOffscreenFailureFallsBackInPlace(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	p.StaticURL = true
	e := newEngine(p, 3)
	e.Offscreen = offscreen{p}

	results := e.TraverseAll(context.Background(), start(p), Pages(3), nil)

	assert.Equal(t, expectedNumbers(Pages(3), 2), electronicNumbers(results))
	assert.Len(t, p.Clicks, 2)
}

func TestControlFor(t *testing.T) {
	doc, err := portaltest.NewPortal(5, 2).Snapshot(context.Background())
	require.NoError(t, err)

	sel := ControlFor(doc, 4)
	require.NotEmpty(t, sel)
	assert.Equal(t, "?page=4", doc.Find(sel).AttrOr("href", ""))
	assert.Empty(t, ControlFor(doc, 9))
}

func TestWithPage(t *testing.T) {
	assert.Equal(t, "https://x.test/list?page=3", WithPage("https://x.test/list", 3))
	assert.Equal(t, "https://x.test/list?p=2&q=a", WithPage("https://x.test/list?q=a&p=9", 2))
	assert.Equal(t, "", WithPage("", 2))
}

func TestLoadDetails(t *testing.T) {
	p := portaltest.NewPortal(1, 3)
	e := newEngine(p, 1)
	id := portaltest.RowFor(1, 1).Electronic

	items, err := e.LoadDetails(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id+"-A", items[0].ItemCode)
	assert.Equal(t, "14.00", items[0].VATAmount)
	assert.Len(t, p.Clicks, 2)

	_, err = e.LoadDetails(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoDetailsControl)
}

func TestIsLoading(t *testing.T) {
	doc, err := portaltest.NewPortal(1, 1).Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, IsLoading(doc))

	p := portaltest.NewPortal(1, 1)
	p.Stuck[1] = true
	doc, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, IsLoading(doc))
}
