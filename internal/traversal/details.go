package traversal

import (
	"context"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"etaexport/internal/extractor"
	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/wait"
)

// ErrNoDetailsControl is returned when the listing has no details control for
// the requested document.
var ErrNoDetailsControl = errors.New("no details control for document")

const closeControls = `.modal .close, [data-dismiss="modal"], [data-bs-dismiss="modal"], ` +
	`button[aria-label="Close"], .ms-Panel-closeButton`

// LoadDetails opens the details of the listed document id in the visible tab
// and reads its line items. The dialog is closed afterwards when possible.
func (e *Engine) LoadDetails(ctx context.Context, id string) ([]invoice.LineItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.Host.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	trigger := extractor.DetailsTrigger(doc, id)
	if trigger == "" {
		return nil, ErrNoDetailsControl
	}
	if err := e.Host.Click(ctx, trigger); err != nil {
		return nil, fmt.Errorf("open details of %s: %w", id, err)
	}

	var container *goquery.Selection
	var opened *goquery.Document
	err = wait.Until(ctx, e.PollInterval, e.PageTimeout, func(ctx context.Context) (bool, error) {
		d, err := e.Host.Snapshot(ctx)
		if err != nil {
			return false, nil
		}
		c := d.Find(extractor.DetailsContainer).FilterFunction(func(_ int, s *goquery.Selection) bool {
			return locator.Rows(s.Find("table").First()).Length() > 0
		}).First()
		if c.Length() == 0 || IsLoading(d) {
			return false, nil
		}
		container, opened = c, d
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("details of %s: %w", id, err)
	}
	items := extractor.ExtractDetails(container)

	if closer := opened.Find(closeControls).First(); closer.Length() > 0 {
		if err := e.Host.Click(ctx, locator.Path(closer)); err != nil {
			e.logger.Debug().Err(err).Str("invoice", id).Msg("details dialog not closed")
		}
	}
	return items, nil
}
