package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// utf8BOM lets spreadsheet programs detect the encoding of Arabic text.
const utf8BOM = "\ufeff"

// WriteCSV writes one header row and one row per invoice. Amounts keep their
// canonical form.
func WriteCSV(w io.Writer, p Payload) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	cols := Columns(p.Fields)
	cw := csv.NewWriter(w)

	row := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.Name == "view" {
			continue
		}
		row = append(row, c.Header)
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range p.Invoices {
		row = row[:0]
		for _, c := range cols {
			if c.Name == "view" {
				continue
			}
			row = append(row, c.Value(i, &p.Invoices[i]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
