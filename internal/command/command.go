// Package command answers the messages sent to the portal tab: scans, line
// item lookups and performance settings.
package command

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"etaexport/internal/aggregate"
	"etaexport/internal/i18n"
	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/session"
	"etaexport/internal/traversal"
)

// Actions.
const (
	Ping              = "ping"
	GetInvoiceData    = "getInvoiceData"
	GetAllPagesData   = "getAllPagesData"
	GetInvoiceDetails = "getInvoiceDetails"
	RescanPage        = "rescanPage"
	SetPerformance    = "setPerformanceMode"
	AdjustBatchSize   = "adjustBatchSize"
)

var ErrUnknownAction = errors.New("unknown action")

// ScanOptions are the options of getAllPagesData.
type ScanOptions struct {
	IncludeDetails bool   `json:"includeDetails,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// Request is one message.
type Request struct {
	Action    string       `json:"action"`
	Options   *ScanOptions `json:"options,omitempty"`
	InvoiceID string       `json:"invoiceId,omitempty"`
	Mode      string       `json:"mode,omitempty"`
	NewSize   int          `json:"newSize,omitempty"`
	Lang      string       `json:"lang,omitempty"`
}

// Response is the envelope of every answer.
type Response struct {
	Success bool   `json:"success"`
	Ready   bool   `json:"ready,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher routes requests to the scan controller.
type Dispatcher struct {
	Controller *aggregate.Controller
	State      *session.State
	Lang       string
	// Progress receives the progress of long scans. It may be nil.
	Progress invoice.ProgressFunc

	mu        sync.Mutex
	mode      traversal.Mode
	batchSize int
	logger    zerolog.Logger
}

// NewDispatcher returns a dispatcher in the given performance mode.
func NewDispatcher(c *aggregate.Controller, state *session.State, mode traversal.Mode, lang string) *Dispatcher {
	return &Dispatcher{
		Controller: c,
		State:      state,
		Lang:       lang,
		mode:       mode,
		logger:     log.With().Str("component", "command").Logger(),
	}
}

// Mode returns the current performance mode.
func (d *Dispatcher) Mode() traversal.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Handle answers req. It always returns a response; panics become a
// localized failure.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (resp Response) {
	lang := req.Lang
	if lang == "" {
		lang = d.Lang
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("action", req.Action).Msg("command failed")
			resp = Response{Success: false, Error: i18n.Message(lang, i18n.ErrInternal)}
		}
	}()
	d.logger.Debug().Str("action", req.Action).Msg("command received")

	switch req.Action {
	case Ping:
		return Response{Success: true, Ready: true}
	case GetInvoiceData:
		return d.currentPage(ctx, lang, false)
	case RescanPage:
		return d.currentPage(ctx, lang, true)
	case GetAllPagesData:
		return d.allPages(ctx, req, lang)
	case GetInvoiceDetails:
		if req.InvoiceID == "" {
			return Response{Success: false, Error: i18n.Message(lang, i18n.ErrMissingInvoice)}
		}
		items, err := d.Controller.InvoiceDetails(ctx, req.InvoiceID)
		if err != nil {
			d.logger.Warn().Err(err).Str("invoice", req.InvoiceID).Msg("details unavailable")
			return Response{Success: false, Error: i18n.Message(lang, i18n.ErrInternal)}
		}
		return Response{Success: true, Data: items}
	case SetPerformance:
		m, err := traversal.ParseMode(req.Mode)
		if err != nil {
			return Response{Success: false, Error: i18n.Message(lang, i18n.ErrInvalidMode, req.Mode)}
		}
		d.mu.Lock()
		d.mode, d.batchSize = m, 0
		d.mu.Unlock()
		d.logger.Info().Str("mode", string(m)).Int("batch_size", m.BatchSize()).Msg("performance mode set")
		return Response{Success: true}
	case AdjustBatchSize:
		if req.NewSize < 1 {
			return Response{Success: false, Error: i18n.Message(lang, i18n.ErrInvalidBatch, req.NewSize)}
		}
		d.mu.Lock()
		d.batchSize = req.NewSize
		d.mu.Unlock()
		return Response{Success: true}
	}

	d.logger.Warn().Err(ErrUnknownAction).Str("action", req.Action).Msg("command rejected")
	return Response{Success: false, Error: i18n.Message(lang, i18n.ErrUnknownAction, req.Action)}
}

func (d *Dispatcher) currentPage(ctx context.Context, lang string, force bool) Response {
	fp := ""
	if doc, err := d.Controller.Host.Snapshot(ctx); err == nil {
		fp = locator.Fingerprint(doc)
	}
	if force {
		d.State.Invalidate()
	} else if fp != "" && d.State.Matches(fp) {
		if res, ok := d.State.Result(); ok {
			return Response{Success: true, Data: res}
		}
	}

	res := d.Controller.Run(ctx, aggregate.Options{Lang: lang})
	if !res.Success {
		return Response{Success: false, Error: res.Error}
	}
	if len(res.Invoices) == 0 {
		return Response{Success: false, Error: i18n.Message(lang, i18n.ErrNoInvoices)}
	}
	d.State.Store(res, fp)
	return Response{Success: true, Data: res}
}

func (d *Dispatcher) allPages(ctx context.Context, req Request, lang string) Response {
	d.mu.Lock()
	opts := aggregate.Options{AllPages: true, Mode: d.mode, BatchSize: d.batchSize, Lang: lang, Progress: d.Progress}
	d.mu.Unlock()
	if req.Options != nil {
		opts.IncludeDetails = req.Options.IncludeDetails
		if req.Options.Mode != "" {
			m, err := traversal.ParseMode(req.Options.Mode)
			if err != nil {
				return Response{Success: false, Error: i18n.Message(lang, i18n.ErrInvalidMode, req.Options.Mode)}
			}
			opts.Mode, opts.BatchSize = m, 0
		}
	}

	res := d.Controller.Run(ctx, opts)
	if !res.Success {
		return Response{Success: false, Error: res.Error}
	}
	if len(res.Invoices) == 0 {
		return Response{Success: false, Error: i18n.Message(lang, i18n.ErrNoInvoices)}
	}
	return Response{Success: true, Data: res}
}
