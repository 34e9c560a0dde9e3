// Package aggregate combines the listing API and page traversal into one
// scan result.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"etaexport/internal/apiprobe"
	"etaexport/internal/extractor"
	"etaexport/internal/i18n"
	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/pagination"
	"etaexport/internal/traversal"
	"etaexport/internal/wait"
)

// Result sources.
const (
	SourceAPI   = "api"
	SourceDOM   = "dom"
	SourceMixed = "mixed"
)

// API is the replayed listing API.
type API interface {
	Ready() bool
	FetchPage(ctx context.Context, n, size int) ([]invoice.Record, apiprobe.Meta, error)
	FetchDetails(ctx context.Context, id string) ([]invoice.LineItem, error)
}

// Options controls one run.
type Options struct {
	// AllPages scans every page of the listing instead of the visible one.
	AllPages bool
	Mode     traversal.Mode
	// BatchSize overrides the batch size of Mode when positive.
	BatchSize      int
	IncludeDetails bool
	Progress       invoice.ProgressFunc
	Lang           string
}

// Controller runs scans against the portal tab.
type Controller struct {
	Host      traversal.Host
	Engine    *traversal.Engine
	Extractor *extractor.Extractor
	// API may be nil; the listing is then read from the pages only.
	API API

	APIConcurrency     int
	DetailsConcurrency int
	Details            *cache.Cache

	mu     sync.Mutex
	logger zerolog.Logger
}

// New returns a controller reading host with engine. Line items are cached
// for detailsTTL.
func New(host traversal.Host, engine *traversal.Engine, api API, detailsTTL time.Duration) *Controller {
	return &Controller{
		Host:               host,
		Engine:             engine,
		Extractor:          engine.Extractor,
		API:                api,
		APIConcurrency:     5,
		DetailsConcurrency: 5,
		Details:            cache.New(detailsTTL, 2*detailsTTL),
		logger:             log.With().Str("component", "aggregate").Logger(),
	}
}

// Run scans the listing. It always returns a result; failures are reported
// through Success and a localized Error.
func (c *Controller) Run(ctx context.Context, opts Options) (res invoice.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("scan aborted")
			res = failure(opts.Lang, i18n.ErrInternal)
		}
	}()

	doc, table, err := c.awaitTable(ctx)
	if errors.Is(err, errSnapshot) {
		c.logger.Error().Err(err).Msg("snapshot failed")
		return failure(opts.Lang, i18n.ErrReload)
	}
	if err != nil {
		c.logger.Warn().Err(locator.ErrTableNotFound).AnErr("wait", err).Msg("scan failed")
		return failure(opts.Lang, i18n.ErrTableNotFound)
	}
	pageURL, err := c.Host.URL(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("page url unavailable")
	}
	records, rejected := c.Extractor.ExtractAll(table)
	state := pagination.Inspect(doc, pageURL, locator.Rows(table).Length())

	res = invoice.Result{
		CurrentPage:   state.CurrentPage,
		TotalPages:    state.TotalPages,
		ExpectedTotal: state.TotalCount,
		Success:       true,
	}
	if !opts.AllPages {
		res.Invoices = records
		res.Rejected = rejected
		res.Source = SourceDOM
	} else {
		c.runAll(ctx, opts, state, &res)
	}

	invoice.Number(res.Invoices)
	res.TotalProcessed = len(res.Invoices)
	if res.ExpectedTotal < res.TotalProcessed {
		res.ExpectedTotal = res.TotalProcessed
	}
	if opts.IncludeDetails {
		c.enrich(ctx, res.Invoices, opts)
	}
	c.logger.Info().
		Int("invoices", res.TotalProcessed).
		Int("expected", res.ExpectedTotal).
		Int("rejected", res.Rejected).
		Ints("failed_pages", res.FailedPages).
		Str("source", res.Source).
		Msg("scan finished")
	return res
}

var errSnapshot = errors.New("snapshot failed")

// awaitTable polls the host until it shows an invoice listing and no loading
// indicator, for at most the page timeout of the engine.
func (c *Controller) awaitTable(ctx context.Context) (*goquery.Document, *goquery.Selection, error) {
	var (
		doc     *goquery.Document
		table   *goquery.Selection
		lastErr error
	)
	err := wait.Until(ctx, c.Engine.PollInterval, c.Engine.PageTimeout, func(ctx context.Context) (bool, error) {
		d, err := c.Host.Snapshot(ctx)
		if err != nil {
			lastErr = err
			return false, nil
		}
		lastErr = nil
		if traversal.IsLoading(d) {
			return false, nil
		}
		if t := locator.Locate(d); t != nil {
			doc, table = d, t
			return true, nil
		}
		return false, nil
	})
	if err != nil && lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %w", errSnapshot, lastErr)
	}
	return doc, table, err
}

func failure(lang, key string) invoice.Result {
	return invoice.Result{Invoices: []invoice.Record{}, Success: false, Error: i18n.Message(lang, key)}
}

func (c *Controller) runAll(ctx context.Context, opts Options, state pagination.State, res *invoice.Result) {
	pages := traversal.Pages(state.TotalPages)
	byPage := make(map[int][]invoice.Record, len(pages))
	var missing []int
	apiRecords := 0

	if opts.Progress != nil {
		opts.Progress(invoice.Progress{
			TotalPages: len(pages),
			Message:    i18n.Message(opts.Lang, i18n.ProgressStarted, len(pages)),
		})
	}

	if c.API != nil && c.API.Ready() {
		fetched, meta, failed := c.fetchAPI(ctx, state, opts)
		for p, recs := range fetched {
			byPage[p] = recs
			apiRecords += len(recs)
		}
		if meta.TotalCount > 0 {
			res.ExpectedTotal = meta.TotalCount
		}
		if meta.TotalPages > res.TotalPages {
			res.TotalPages = meta.TotalPages
		}
		missing = failed
	}

	switch {
	case apiRecords == 0:
		byPage = map[int][]invoice.Record{}
		missing = traversal.Pages(res.TotalPages)
		res.Source = SourceDOM
	case len(missing) > 0:
		res.Source = SourceMixed
	default:
		res.Source = SourceAPI
	}

	if len(missing) > 0 {
		switch {
		case opts.BatchSize > 0:
			c.Engine.BatchSize = opts.BatchSize
		case opts.Mode != "":
			c.Engine.BatchSize = opts.Mode.BatchSize()
		}
		c.Engine.Lang = opts.Lang
		for _, pr := range c.Engine.TraverseAll(ctx, state, missing, opts.Progress) {
			byPage[pr.Page] = pr.Records
			res.Rejected += pr.Rejected
			if pr.Err != nil {
				res.FailedPages = append(res.FailedPages, pr.Page)
			}
		}
	}

	order := make([]int, 0, len(byPage))
	for p := range byPage {
		order = append(order, p)
	}
	sort.Ints(order)
	res.Invoices = []invoice.Record{}
	for _, p := range order {
		res.Invoices = append(res.Invoices, byPage[p]...)
	}
	sort.Ints(res.FailedPages)
}

// fetchAPI reads the listing through the API in batches. Pages are requested
// with the page size of the rendered listing so that a failed page can be
// read from the same page of the tab. The last page found in the response
// metadata extends the range.
func (c *Controller) fetchAPI(ctx context.Context, state pagination.State, opts Options) (map[int][]invoice.Record, apiprobe.Meta, []int) {
	limit := max(c.APIConcurrency, 1)
	total := state.TotalPages
	fetched := make(map[int][]invoice.Record, total)
	var failed []int
	var meta apiprobe.Meta

	for start := 1; start <= total; start += limit {
		end := min(start+limit-1, total)
		recs := make([][]invoice.Record, end-start+1)
		errs := make([]error, end-start+1)
		metas := make([]apiprobe.Meta, end-start+1)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for p := start; p <= end; p++ {
			p := p
			i := p - start
			g.Go(func() error {
				recs[i], metas[i], errs[i] = c.API.FetchPage(gctx, p, state.PageSize)
				return ctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn().Err(err).Msg("api fetch cancelled")
			for p := start; p <= total; p++ {
				if _, ok := fetched[p]; !ok {
					failed = append(failed, p)
				}
			}
			return fetched, meta, failed
		}

		for i := range recs {
			p := start + i
			if errs[i] != nil {
				c.logger.Debug().Int("page", p).Err(errs[i]).Msg("api page failed")
				failed = append(failed, p)
				continue
			}
			fetched[p] = recs[i]
			if metas[i].TotalCount > meta.TotalCount {
				meta.TotalCount = metas[i].TotalCount
			}
			if metas[i].TotalPages > meta.TotalPages {
				meta.TotalPages = metas[i].TotalPages
			}
		}
		if meta.TotalPages > total && (meta.PageSize == 0 || meta.PageSize == state.PageSize) {
			total = meta.TotalPages
		}

		if opts.Progress != nil {
			opts.Progress(invoice.Progress{
				CurrentPage: end,
				TotalPages:  total,
				Message:     i18n.Message(opts.Lang, i18n.ProgressPages, end, total),
				Percentage:  float64(end) * 100 / float64(total),
			})
		}
	}
	return fetched, meta, failed
}

// InvoiceDetails returns the line items of document id, from the cache, the
// API or the details dialog of the visible tab in that order.
func (c *Controller) InvoiceDetails(ctx context.Context, id string) ([]invoice.LineItem, error) {
	if id == "" {
		return nil, errors.New("empty document id")
	}
	if v, ok := c.Details.Get(id); ok {
		return v.([]invoice.LineItem), nil
	}
	items, err := c.apiDetails(ctx, id)
	if err != nil {
		c.logger.Debug().Err(err).Str("invoice", id).Msg("api details unavailable, opening dialog")
		items, err = c.Engine.LoadDetails(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("details of %s: %w", id, err)
		}
	}
	c.Details.SetDefault(id, items)
	return items, nil
}

func (c *Controller) apiDetails(ctx context.Context, id string) ([]invoice.LineItem, error) {
	if c.API == nil || !c.API.Ready() {
		return nil, apiprobe.ErrNoEndpoint
	}
	return c.API.FetchDetails(ctx, id)
}

// enrich fills the Details of records in batches. API lookups run
// concurrently; dialog lookups share the visible tab and run one at a time
// after each batch.
func (c *Controller) enrich(ctx context.Context, records []invoice.Record, opts Options) {
	limit := max(c.DetailsConcurrency, 1)
	skipped := 0
	defer func() {
		if skipped > 0 {
			c.logger.Warn().Int("skipped", skipped).Int("invoices", len(records)).
				Msg("line items unavailable outside the visible page")
		}
	}()
	for start := 0; start < len(records); start += limit {
		end := min(start+limit, len(records))

		var mu sync.Mutex
		var pending []int
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i := start; i < end; i++ {
			i := i
			id := records[i].ElectronicNumber
			if id == "" {
				continue
			}
			if v, ok := c.Details.Get(id); ok {
				records[i].Details = v.([]invoice.LineItem)
				continue
			}
			g.Go(func() error {
				items, err := c.apiDetails(gctx, id)
				if err != nil {
					mu.Lock()
					pending = append(pending, i)
					mu.Unlock()
					return ctx.Err()
				}
				c.Details.SetDefault(id, items)
				records[i].Details = items
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn().Err(err).Msg("details enrichment cancelled")
			return
		}

		sort.Ints(pending)
		for _, i := range pending {
			id := records[i].ElectronicNumber
			items, err := c.Engine.LoadDetails(ctx, id)
			if err != nil {
				c.logger.Debug().Err(err).Str("invoice", id).Msg("details unavailable")
				skipped++
				continue
			}
			c.Details.SetDefault(id, items)
			records[i].Details = items
		}

		if opts.Progress != nil {
			opts.Progress(invoice.Progress{
				CurrentPage: end,
				TotalPages:  len(records),
				Message:     i18n.Message(opts.Lang, i18n.ProgressDetails, end, len(records)),
				Percentage:  float64(end) * 100 / float64(len(records)),
			})
		}
	}
}
