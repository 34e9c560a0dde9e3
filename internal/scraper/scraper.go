package scraper

import (
	"context"

	"etaexport/internal/config"
	"etaexport/internal/invoice"
)

// Scraper reads a portal listing and returns exportable content.
type Scraper interface {
	Name() string
	Scrape(ctx context.Context, target string, opts Options) (Content, error)
}

// Content is a finished scan ready for export.
type Content interface {
	Result() invoice.Result
	ToXLSX() ([]byte, error)
	ToJSON() ([]byte, error)
	ToCSV() (string, error)
	ToMarkdown() (string, error)
}

// Options controls one scrape.
type Options struct {
	Config         *config.Config
	AllPages       bool
	IncludeDetails bool
	// Fields selects exported record fields; empty selects all.
	Fields   map[string]bool
	ShowUI   bool
	Progress invoice.ProgressFunc
}
