package export

import (
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"

	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
)

const (
	mainSheet  = "فواتير مصلحة الضرائب"
	statsSheet = "الإحصائيات"
	backLabel  = "العودة للقائمة الرئيسية"

	statTitle      = "إحصائيات الفواتير"
	statTotalCount = "إجمالي عدد الفواتير"
	statTotalValue = "إجمالي قيمة الفواتير"
	statTotalVAT   = "إجمالي ضريبة القيمة المضافة"
	statAverage    = "متوسط قيمة الفاتورة"
	statByStatus   = "إحصائيات حسب الحالة"
	statByType     = "إحصائيات حسب النوع"

	amountFormat = "#,##0.00"
)

var detailHeaders = []string{
	"كود الصنف", "الوصف", "كود الوحدة", "اسم الوحدة", "الكمية",
	"السعر", "القيمة", "الضريبة", "ضريبة القيمة المضافة", "الإجمالي",
}

var detailWidths = []float64{20, 35, 12, 15, 10, 12, 12, 12, 15, 12}

// detailHeaderRow is the 1-based row of the line-item header in a details sheet.
const detailHeaderRow = 8

func detailsSheet(i int) string { return "تفاصيل_" + strconv.Itoa(i+1) }

func exportLabel(p Payload) string {
	if p.AllPages {
		return "جميع الصفحات"
	}
	return "الصفحة الحالية"
}

// detailRows returns the line-item rows of r followed by the totals row.
// A record without line items is summarized as a single line.
func detailRows(r *invoice.Record) [][]string {
	var rows [][]string
	for _, it := range r.Details {
		rows = append(rows, []string{
			it.ItemCode,
			it.Description,
			or(it.UnitCode, "EA"),
			or(it.UnitName, "قطعة"),
			or(it.Quantity, "1"),
			DisplayAmount(it.UnitPrice),
			DisplayAmount(it.TotalValue),
			DisplayAmount(it.TaxAmount),
			DisplayAmount(it.VATAmount),
			DisplayAmount(or(it.TotalWithVAT, it.TotalValue)),
		})
	}
	net := or(r.InvoiceValue, r.TotalAmount)
	if len(rows) == 0 {
		rows = append(rows, []string{
			r.ElectronicNumber, "إجمالي قيمة الفاتورة", "EA", "فاتورة", "1",
			DisplayAmount(r.TotalAmount), DisplayAmount(net), "0",
			DisplayAmount(r.VATAmount), DisplayAmount(r.TotalAmount),
		})
	}
	return append(rows, []string{
		"", "", "", "", "الإجمالي:",
		DisplayAmount(net), DisplayAmount(net), "0",
		DisplayAmount(r.VATAmount), DisplayAmount(r.TotalAmount),
	})
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type styles struct {
	header       int
	detailHeader int
	rows         [2]int
	amounts      [2]int
	link         int
	title        int
}

func thinBorder(color string) []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: color, Style: 1},
		{Type: "top", Color: color, Style: 1},
		{Type: "right", Color: color, Style: 1},
		{Type: "bottom", Color: color, Style: 1},
	}
}

// newStyles registers the workbook styles. Row styles are indexed by row
// parity: 0 for even rows, 1 for odd rows.
func newStyles(f *excelize.File) (styles, error) {
	var s styles
	var err error
	add := func(id *int, style *excelize.Style) {
		if err == nil {
			*id, err = f.NewStyle(style)
		}
	}
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}
	numFmt := amountFormat

	add(&s.header, &excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF", Size: 12},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"1F4E79"}},
		Alignment: center,
		Border:    thinBorder("000000"),
	})
	add(&s.detailHeader, &excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"2196F3"}},
		Alignment: center,
		Border:    thinBorder("000000"),
	})
	add(&s.link, &excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "0000FF", Underline: "single"},
		Alignment: center,
	})
	add(&s.title, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}})
	for i, fill := range []string{"F8F9FA", "FFFFFF"} {
		add(&s.rows[i], &excelize.Style{
			Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{fill}},
			Alignment: center,
			Border:    thinBorder("E0E0E0"),
		})
		add(&s.amounts[i], &excelize.Style{
			Fill:         excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{fill}},
			Alignment:    center,
			Border:       thinBorder("E0E0E0"),
			CustomNumFmt: &numFmt,
		})
	}
	if err != nil {
		return s, fmt.Errorf("new style: %w", err)
	}
	return s, nil
}

// xlsxWriter builds one workbook.
type xlsxWriter struct {
	f  *excelize.File
	p  Payload
	st styles
}

// WriteXLSX writes the workbook of p: the invoice sheet, one details sheet
// per invoice when details were requested and the statistics sheet.
func WriteXLSX(w io.Writer, p Payload) error {
	f := excelize.NewFile()
	defer f.Close()

	st, err := newStyles(f)
	if err != nil {
		return err
	}
	x := &xlsxWriter{f: f, p: p, st: st}
	if err := f.SetSheetName("Sheet1", mainSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := x.writeMain(); err != nil {
		return fmt.Errorf("invoice sheet: %w", err)
	}
	if p.IncludeDetails {
		for i := range p.Invoices {
			if err := x.writeDetails(i); err != nil {
				return fmt.Errorf("details sheet %d: %w", i+1, err)
			}
		}
	}
	if err := x.writeStats(); err != nil {
		return fmt.Errorf("statistics sheet: %w", err)
	}
	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func (x *xlsxWriter) newSheet(name string) error {
	if name != mainSheet {
		if _, err := x.f.NewSheet(name); err != nil {
			return err
		}
	}
	rtl := true
	return x.f.SetSheetView(name, -1, &excelize.ViewOptions{RightToLeft: &rtl})
}

func (x *xlsxWriter) widths(sheet string, widths []float64) error {
	for i, wd := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := x.f.SetColWidth(sheet, col, col, wd); err != nil {
			return err
		}
	}
	return nil
}

// styleRow applies style to the columns 1..n of row.
func (x *xlsxWriter) styleRow(sheet string, row, n, style int) error {
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(n, row)
	return x.f.SetCellStyle(sheet, first, last, style)
}

func (x *xlsxWriter) writeMain() error {
	if err := x.newSheet(mainSheet); err != nil {
		return err
	}
	cols := Columns(x.p.Fields)
	widths := make([]float64, len(cols))
	header := make([]any, len(cols))
	for i, c := range cols {
		widths[i] = c.Width
		header[i] = c.Header
	}
	if err := x.widths(mainSheet, widths); err != nil {
		return err
	}
	if err := x.f.SetSheetRow(mainSheet, "A1", &header); err != nil {
		return err
	}
	if err := x.styleRow(mainSheet, 1, len(cols), x.st.header); err != nil {
		return err
	}

	for i := range x.p.Invoices {
		r := &x.p.Invoices[i]
		row := i + 2
		shade := (i + 1) % 2
		values := make([]any, len(cols))
		for j, c := range cols {
			v := c.Value(i, r)
			values[j] = v
			if c.Amount {
				values[j] = amountCell(v)
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := x.f.SetSheetRow(mainSheet, cell, &values); err != nil {
			return err
		}
		if err := x.styleRow(mainSheet, row, len(cols), x.st.rows[shade]); err != nil {
			return err
		}
		for j, c := range cols {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			switch {
			case c.Amount:
				if err := x.f.SetCellStyle(mainSheet, cell, cell, x.st.amounts[shade]); err != nil {
					return err
				}
			case c.Name == "view" && x.p.IncludeDetails:
				tip := "عرض تفاصيل الفاتورة"
				if err := x.f.SetCellHyperLink(mainSheet, cell, "'"+detailsSheet(i)+"'!A1", "Location", excelize.HyperlinkOpts{Tooltip: &tip}); err != nil {
					return err
				}
				if err := x.f.SetCellStyle(mainSheet, cell, cell, x.st.link); err != nil {
					return err
				}
			case c.Name == "externalLink" && r.ExternalLink != "":
				if err := x.f.SetCellHyperLink(mainSheet, cell, r.ExternalLink, "External"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// amountCell returns a numeric cell value, or "" for empty and zero amounts.
func amountCell(s string) any {
	d, ok := normalize.ParseAmount(s)
	if !ok {
		return s
	}
	if d.IsZero() {
		return ""
	}
	return d.InexactFloat64()
}

func (x *xlsxWriter) writeDetails(i int) error {
	name := detailsSheet(i)
	if err := x.newSheet(name); err != nil {
		return err
	}
	if err := x.widths(name, detailWidths); err != nil {
		return err
	}
	r := &x.p.Invoices[i]
	info := [][]any{
		{"معلومات الفاتورة"},
		{"الرقم الإلكتروني:", r.ElectronicNumber},
		{"الرقم الداخلي:", r.InternalNumber},
		{"التاريخ:", r.IssueDate},
		{"البائع:", r.SellerName},
		{"المشتري:", r.BuyerName},
	}
	for n, row := range info {
		row := row
		cell, _ := excelize.CoordinatesToCellName(1, n+1)
		if err := x.f.SetSheetRow(name, cell, &row); err != nil {
			return err
		}
	}
	if err := x.f.SetCellStyle(name, "A1", "A1", x.st.title); err != nil {
		return err
	}

	header := make([]any, len(detailHeaders))
	for n, h := range detailHeaders {
		header[n] = h
	}
	cell, _ := excelize.CoordinatesToCellName(1, detailHeaderRow)
	if err := x.f.SetSheetRow(name, cell, &header); err != nil {
		return err
	}
	if err := x.styleRow(name, detailHeaderRow, len(detailHeaders), x.st.detailHeader); err != nil {
		return err
	}

	row := detailHeaderRow + 1
	for n, values := range detailRows(r) {
		cells := make([]any, len(values))
		for k, v := range values {
			cells[k] = v
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := x.f.SetSheetRow(name, cell, &cells); err != nil {
			return err
		}
		if err := x.styleRow(name, row, len(detailHeaders), x.st.rows[n%2]); err != nil {
			return err
		}
		row++
	}

	back, _ := excelize.CoordinatesToCellName(1, row+1)
	if err := x.f.SetCellValue(name, back, backLabel); err != nil {
		return err
	}
	if err := x.f.SetCellHyperLink(name, back, "'"+mainSheet+"'!A1", "Location", excelize.HyperlinkOpts{Tooltip: ptr(backLabel)}); err != nil {
		return err
	}
	return x.f.SetCellStyle(name, back, back, x.st.link)
}

func ptr(s string) *string { return &s }

func (x *xlsxWriter) writeStats() error {
	if err := x.newSheet(statsSheet); err != nil {
		return err
	}
	if err := x.widths(statsSheet, []float64{30, 20}); err != nil {
		return err
	}
	stats := Compute(x.p.Invoices)
	rows := [][]any{
		{statTitle},
		{},
		{statTotalCount, len(x.p.Invoices)},
		{statTotalValue, currency(group(stats.TotalValue))},
		{statTotalVAT, currency(group(stats.TotalVAT))},
		{statAverage, currency(group(stats.AverageValue))},
		{},
		{statByStatus},
	}
	for _, c := range sortedCounts(stats.StatusCounts) {
		rows = append(rows, []any{c.Key, c.N})
	}
	rows = append(rows, []any{}, []any{statByType})
	for _, c := range sortedCounts(stats.TypeCounts) {
		rows = append(rows, []any{c.Key, c.N})
	}
	rows = append(rows,
		[]any{},
		[]any{"تاريخ التصدير", x.p.exportedAt().Format("2006-01-02 15:04")},
		[]any{"نوع التصدير", exportLabel(x.p)},
		[]any{"عدد الحقول المصدرة", len(SelectedNames(x.p.Fields))},
	)
	for n, row := range rows {
		row := row
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, n+1)
		if err := x.f.SetSheetRow(statsSheet, cell, &row); err != nil {
			return err
		}
		if len(row) == 1 {
			if err := x.f.SetCellStyle(statsSheet, cell, cell, x.st.title); err != nil {
				return err
			}
		}
	}
	return nil
}
