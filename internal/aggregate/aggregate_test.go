package aggregate

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etaexport/internal/apiprobe"
	"etaexport/internal/extractor"
	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
	"etaexport/internal/portaltest"
	"etaexport/internal/traversal"
)

type fakeAPI struct {
	perPage int
	total   int
	fail    map[int]bool

	mu      sync.Mutex
	sizes   []int
	details int
}

func (f *fakeAPI) Ready() bool { return true }

func (f *fakeAPI) FetchPage(_ context.Context, n, size int) ([]invoice.Record, apiprobe.Meta, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, size)
	f.mu.Unlock()
	if f.fail[n] {
		return nil, apiprobe.Meta{}, apiprobe.ErrUnexpectedStatus
	}
	var recs []invoice.Record
	for _, r := range portaltest.Rows(n, f.perPage) {
		rec := invoice.Record{ElectronicNumber: r.Electronic, TotalAmount: r.Total}
		rec.ApplyDefaults()
		recs = append(recs, rec)
	}
	return recs, apiprobe.Meta{TotalCount: f.total * f.perPage, TotalPages: f.total}, nil
}

func (f *fakeAPI) FetchDetails(_ context.Context, id string) ([]invoice.LineItem, error) {
	f.mu.Lock()
	f.details++
	f.mu.Unlock()
	return []invoice.LineItem{{ItemCode: id + "-API"}}, nil
}

func newController(p *portaltest.Portal, api API) *Controller {
	e := traversal.New(p, extractor.New("https://invoicing.eta.gov.eg", normalize.DefaultVATRate))
	e.PollInterval = time.Millisecond
	e.PageTimeout = 40 * time.Millisecond
	e.Settle = 0
	e.BatchDelay = 0
	return New(p, e, api, time.Minute)
}

func numbers(recs []invoice.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, r.ElectronicNumber)
	}
	return out
}

func expected(pages []int, perPage int) []string {
	var out []string
	for _, p := range pages {
		for _, r := range portaltest.Rows(p, perPage) {
			out = append(out, r.Electronic)
		}
	}
	return out
}

func TestRunCurrentPage(t *testing.T) {
	p := portaltest.NewPortal(4, 2)
	c := newController(p, nil)

	res := c.Run(context.Background(), Options{Lang: "en"})

	require.True(t, res.Success)
	assert.Equal(t, expected([]int{1}, 2), numbers(res.Invoices))
	assert.Equal(t, []int{1, 2}, []int{res.Invoices[0].SerialNumber, res.Invoices[1].SerialNumber})
	assert.Equal(t, 2, res.TotalProcessed)
	assert.Equal(t, 8, res.ExpectedTotal)
	assert.Equal(t, 4, res.TotalPages)
	assert.Equal(t, SourceDOM, res.Source)
	assert.Empty(t, p.Clicks)
}

func TestRunTableNotFound(t *testing.T) {
	p := portaltest.NewPortal(1, 2)
	p.Stuck[1] = true
	c := newController(p, nil)

	res := c.Run(context.Background(), Options{AllPages: true, Lang: "en"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "No invoice table")
	assert.Empty(t, res.Invoices)
}

// lateHost shows a blank page, or fails to snapshot, for its first calls.
type lateHost struct {
	*portaltest.Portal
	blank int32
	fail  bool
	calls atomic.Int32
}

func (h *lateHost) Snapshot(ctx context.Context) (*goquery.Document, error) {
	if h.calls.Add(1) > h.blank {
		return h.Portal.Snapshot(ctx)
	}
	if h.fail {
		return nil, errors.New("target closed")
	}
	return goquery.NewDocumentFromReader(strings.NewReader(`<html><body><div class="spinner"></div></body></html>`))
}

func TestRunWaitsForTable(t *testing.T) {
	h := &lateHost{Portal: portaltest.NewPortal(2, 2), blank: 3}
	c := newController(h.Portal, nil)
	c.Host = h

	res := c.Run(context.Background(), Options{Lang: "en"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, expected([]int{1}, 2), numbers(res.Invoices))
	assert.Greater(t, h.calls.Load(), int32(3))
}

func TestRunSnapshotFailure(t *testing.T) {
	h := &lateHost{Portal: portaltest.NewPortal(1, 2), blank: 1 << 30, fail: true}
	c := newController(h.Portal, nil)
	c.Host = h

	res := c.Run(context.Background(), Options{Lang: "en"})

	assert.False(t, res.Success)
	assert.Equal(t, "Could not reach the portal page. Reload the page and try again.", res.Error)
	assert.NotContains(t, res.Error, "target closed")
}

func TestRunAllPagesDOM(t *testing.T) {
	p := portaltest.NewPortal(5, 3)
	c := newController(p, nil)

	var events []invoice.Progress
	res := c.Run(context.Background(), Options{
		AllPages: true,
		Mode:     traversal.Aggressive,
		Lang:     "en",
		Progress: func(ev invoice.Progress) { events = append(events, ev) },
	})

	require.True(t, res.Success)
	assert.Equal(t, expected(traversal.Pages(5), 3), numbers(res.Invoices))
	assert.Equal(t, 15, res.TotalProcessed)
	assert.Equal(t, 15, res.ExpectedTotal)
	assert.Equal(t, SourceDOM, res.Source)
	assert.Empty(t, res.FailedPages)
	for i, r := range res.Invoices {
		assert.Equal(t, i+1, r.SerialNumber)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "Loading 5 pages", events[0].Message)
	assert.Equal(t, 5, events[1].CurrentPage)
}

func TestRunReportsFailedPages(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	p.Stuck[2] = true
	c := newController(p, nil)

	res := c.Run(context.Background(), Options{AllPages: true, Lang: "en"})

	require.True(t, res.Success)
	assert.Equal(t, []int{2}, res.FailedPages)
	assert.Equal(t, expected([]int{1, 3}, 2), numbers(res.Invoices))
}

func TestRunAPI(t *testing.T) {
	p := portaltest.NewPortal(4, 2)
	api := &fakeAPI{perPage: 2, total: 4}
	c := newController(p, api)
	c.APIConcurrency = 3

	var events []invoice.Progress
	res := c.Run(context.Background(), Options{
		AllPages: true,
		Lang:     "en",
		Progress: func(ev invoice.Progress) { events = append(events, ev) },
	})

	require.True(t, res.Success)
	assert.Equal(t, SourceAPI, res.Source)
	assert.Equal(t, expected(traversal.Pages(4), 2), numbers(res.Invoices))
	assert.Equal(t, 8, res.ExpectedTotal)
	assert.Empty(t, p.Clicks)
	assert.Equal(t, []int{2, 2, 2, 2}, api.sizes)
	require.Len(t, events, 3)
	assert.Equal(t, "Loading 4 pages", events[0].Message)
	assert.Equal(t, 4, events[2].CurrentPage)
}

func TestRunAPIFailedPagesFallBackToDOM(t *testing.T) {
	p := portaltest.NewPortal(4, 2)
	api := &fakeAPI{perPage: 2, total: 4, fail: map[int]bool{3: true}}
	c := newController(p, api)

	res := c.Run(context.Background(), Options{AllPages: true, Lang: "en"})

	require.True(t, res.Success)
	assert.Equal(t, SourceMixed, res.Source)
	assert.Equal(t, expected(traversal.Pages(4), 2), numbers(res.Invoices))
	assert.Equal(t, 3, p.Current())
	assert.Empty(t, res.FailedPages)
}

func TestRunAPIErrorsMatchDOM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	probe := apiprobe.New(srv.Client(), time.Millisecond, 5)
	require.True(t, probe.Observe(srv.URL+"/api/v1/documents/recent?page=1", "GET", nil, ""))

	withAPI := newController(portaltest.NewPortal(4, 3), probe).Run(context.Background(), Options{AllPages: true})
	withoutAPI := newController(portaltest.NewPortal(4, 3), nil).Run(context.Background(), Options{AllPages: true})

	require.True(t, withAPI.Success)
	assert.Equal(t, withoutAPI, withAPI)
	assert.Equal(t, SourceDOM, withAPI.Source)
}

func TestRunIncludeDetailsFromDialog(t *testing.T) {
	p := portaltest.NewPortal(1, 2)
	c := newController(p, nil)

	res := c.Run(context.Background(), Options{IncludeDetails: true, Lang: "en"})

	require.True(t, res.Success)
	for _, r := range res.Invoices {
		require.Len(t, r.Details, 1)
		assert.Equal(t, r.ElectronicNumber+"-A", r.Details[0].ItemCode)
	}
	assert.Len(t, p.Clicks, 4)

	items, err := c.InvoiceDetails(context.Background(), res.Invoices[0].ElectronicNumber)
	require.NoError(t, err)
	assert.Equal(t, res.Invoices[0].Details, items)
	assert.Len(t, p.Clicks, 4)
}

func TestRunIncludeDetailsAcrossPages(t *testing.T) {
	p := portaltest.NewPortal(2, 2)
	c := newController(p, nil)
	var logs bytes.Buffer
	c.logger = zerolog.New(&logs)

	res := c.Run(context.Background(), Options{AllPages: true, IncludeDetails: true, Lang: "en"})

	require.True(t, res.Success, res.Error)
	require.Equal(t, expected(traversal.Pages(2), 2), numbers(res.Invoices))
	assert.Equal(t, 2, p.Current())
	for _, r := range res.Invoices[:2] {
		assert.Empty(t, r.Details, r.ElectronicNumber)
	}
	for _, r := range res.Invoices[2:] {
		require.Len(t, r.Details, 1)
		assert.Equal(t, r.ElectronicNumber+"-A", r.Details[0].ItemCode)
	}
	assert.Contains(t, logs.String(), `"skipped":2`)
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestInvoiceDetailsPrefersAPI(t *testing.T) {
	p := portaltest.NewPortal(1, 2)
	api := &fakeAPI{perPage: 2, total: 1}
	c := newController(p, api)
	id := portaltest.RowFor(1, 0).Electronic

	items, err := c.InvoiceDetails(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id+"-API", items[0].ItemCode)
	_, err = c.InvoiceDetails(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, api.details)
	assert.Empty(t, p.Clicks)

	_, err = newController(p, nil).InvoiceDetails(context.Background(), "missing")
	assert.True(t, errors.Is(err, traversal.ErrNoDetailsControl))
}
