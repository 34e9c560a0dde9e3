package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"etaexport/internal/invoice"
)

// Export types of the JSON document.
const (
	TypeAllPages    = "all_pages"
	TypeCurrentPage = "current_page"
)

// Document is the JSON export.
type Document struct {
	ExportDate     time.Time        `json:"exportDate"`
	TotalCount     int              `json:"totalCount"`
	ExportType     string           `json:"exportType"`
	TotalPages     int              `json:"totalPages"`
	CurrentPage    int              `json:"currentPage"`
	SelectedFields []string         `json:"selectedFields"`
	IncludeDetails bool             `json:"includeDetails"`
	Statistics     Statistics       `json:"statistics"`
	Invoices       []invoice.Record `json:"invoices"`
}

// NewDocument builds the JSON document of p.
func NewDocument(p Payload) Document {
	typ := TypeCurrentPage
	if p.AllPages {
		typ = TypeAllPages
	}
	invoices := p.Invoices
	if invoices == nil {
		invoices = []invoice.Record{}
	}
	return Document{
		ExportDate:     p.exportedAt().UTC(),
		TotalCount:     len(invoices),
		ExportType:     typ,
		TotalPages:     p.TotalPages,
		CurrentPage:    p.CurrentPage,
		SelectedFields: SelectedNames(p.Fields),
		IncludeDetails: p.IncludeDetails,
		Statistics:     Compute(invoices),
		Invoices:       invoices,
	}
}

// WriteJSON writes the indented JSON document of p.
func WriteJSON(w io.Writer, p Payload) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(NewDocument(p)); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

// ParseJSON reads a document written by WriteJSON.
func ParseJSON(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode json export: %w", err)
	}
	return doc, nil
}

// Payload returns the payload the document was written from.
func (d Document) Payload() Payload {
	fields := map[string]bool{}
	if len(d.SelectedFields) < len(invoice.Fields) {
		for _, f := range d.SelectedFields {
			fields[f] = true
		}
	}
	return Payload{
		Invoices:       d.Invoices,
		Fields:         fields,
		AllPages:       d.ExportType == TypeAllPages,
		IncludeDetails: d.IncludeDetails,
		CurrentPage:    d.CurrentPage,
		TotalPages:     d.TotalPages,
		ExportedAt:     d.ExportDate,
	}
}
