// Package formatter renders scraped content in an export format.
package formatter

import (
	"fmt"
	"strings"

	"etaexport/internal/export"
	"etaexport/internal/scraper"
)

// Format renders content as xlsx, json, csv or markdown.
func Format(content scraper.Content, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case export.XLSX:
		return content.ToXLSX()
	case export.JSON:
		return content.ToJSON()
	case export.CSV:
		s, err := content.ToCSV()
		return []byte(s), err
	case export.Markdown, "md":
		s, err := content.ToMarkdown()
		return []byte(s), err
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
