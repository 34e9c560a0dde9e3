package eta

import (
	"bytes"

	"etaexport/internal/export"
	"etaexport/internal/invoice"
)

// Content is a finished scan of the portal listing.
type Content struct {
	result  invoice.Result
	payload export.Payload
}

// NewContent wraps res. fields selects the exported record fields.
func NewContent(res invoice.Result, allPages, includeDetails bool, fields map[string]bool) *Content {
	return &Content{
		result: res,
		payload: export.Payload{
			Invoices:       res.Invoices,
			Fields:         fields,
			AllPages:       allPages,
			IncludeDetails: includeDetails,
			CurrentPage:    res.CurrentPage,
			TotalPages:     res.TotalPages,
		},
	}
}

// Result returns the scan result.
func (c *Content) Result() invoice.Result { return c.result }

// Payload returns the export payload.
func (c *Content) Payload() export.Payload { return c.payload }

func (c *Content) ToXLSX() ([]byte, error) {
	var buf bytes.Buffer
	err := export.WriteXLSX(&buf, c.payload)
	return buf.Bytes(), err
}

func (c *Content) ToJSON() ([]byte, error) {
	var buf bytes.Buffer
	err := export.WriteJSON(&buf, c.payload)
	return buf.Bytes(), err
}

func (c *Content) ToCSV() (string, error) {
	var buf bytes.Buffer
	err := export.WriteCSV(&buf, c.payload)
	return buf.String(), err
}

func (c *Content) ToMarkdown() (string, error) {
	var buf bytes.Buffer
	err := export.WriteMarkdown(&buf, c.payload)
	return buf.String(), err
}
