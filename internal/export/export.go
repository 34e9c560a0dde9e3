// Package export writes scan results as spreadsheets, JSON, CSV or Markdown.
package export

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
)

// Formats.
const (
	XLSX     = "xlsx"
	JSON     = "json"
	CSV      = "csv"
	Markdown = "markdown"
)

// Formats lists the supported formats.
var Formats = []string{XLSX, JSON, CSV, Markdown}

// Payload is what gets exported.
type Payload struct {
	Invoices []invoice.Record
	// Fields selects record fields by name; empty selects all.
	Fields         map[string]bool
	AllPages       bool
	IncludeDetails bool
	CurrentPage    int
	TotalPages     int
	ExportedAt     time.Time
}

func (p Payload) exportedAt() time.Time {
	if p.ExportedAt.IsZero() {
		return time.Now()
	}
	return p.ExportedAt
}

// Write renders p to w in format.
func Write(w io.Writer, format string, p Payload) error {
	switch strings.ToLower(format) {
	case XLSX:
		return WriteXLSX(w, p)
	case JSON:
		return WriteJSON(w, p)
	case CSV:
		return WriteCSV(w, p)
	case Markdown, "md":
		return WriteMarkdown(w, p)
	}
	return fmt.Errorf("unsupported export format: %s", format)
}

// FormatFromPath infers the format from a file extension, or returns "".
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return XLSX
	case ".json":
		return JSON
	case ".csv":
		return CSV
	case ".md", ".markdown":
		return Markdown
	}
	return ""
}

// FileName returns the default file name of an export, such as
// ETA_Invoices_AllPages_20240105.xlsx.
func FileName(p Payload, format string) string {
	scope := "Page" + strconv.Itoa(max(p.CurrentPage, 1))
	if p.AllPages {
		scope = "AllPages"
	}
	ext := format
	if format == Markdown {
		ext = "md"
	}
	return fmt.Sprintf("ETA_Invoices_%s_%s.%s", scope, p.exportedAt().Format("20060102"), ext)
}

// Column is one exported column.
type Column struct {
	Name   string
	Header string
	Width  float64
	Amount bool
	value  func(i int, r *invoice.Record) string
}

// Value returns the cell of record r at position i.
func (c Column) Value(i int, r *invoice.Record) string { return c.value(i, r) }

const viewLabel = "عرض"

var fieldHeaders = map[string]string{
	"documentType":        "نوع المستند",
	"documentVersion":     "نسخة المستند",
	"status":              "الحالة",
	"issueDate":           "تاريخ الإصدار",
	"submissionDate":      "تاريخ التقديم",
	"invoiceCurrency":     "عملة الفاتورة",
	"invoiceValue":        "قيمة الفاتورة",
	"vatAmount":           "ضريبة القيمة المضافة",
	"taxDiscount":         "الخصم تحت حساب الضريبة",
	"totalAmount":         "إجمالي الفاتورة",
	"internalNumber":      "الرقم الداخلي",
	"electronicNumber":    "الرقم الإلكتروني",
	"sellerTaxNumber":     "الرقم الضريبي للبائع",
	"sellerName":          "اسم البائع",
	"sellerAddress":       "عنوان البائع",
	"buyerTaxNumber":      "الرقم الضريبي للمشتري",
	"buyerName":           "اسم المشتري",
	"buyerAddress":        "عنوان المشتري",
	"purchaseOrderRef":    "مرجع طلب الشراء",
	"purchaseOrderDesc":   "وصف طلب الشراء",
	"salesOrderRef":       "مرجع طلب المبيعات",
	"electronicSignature": "التوقيع الإلكتروني",
	"foodDrugGuide":       "دليل الغذاء والدواء",
	"externalLink":        "الرابط الخارجي",
}

var fieldWidths = []float64{15, 8, 15, 18, 18, 12, 15, 18, 20, 15, 20, 30, 20, 25, 20, 20, 25, 20, 20, 20, 20, 18, 18, 50}

var amountFields = map[string]bool{"invoiceValue": true, "vatAmount": true, "taxDiscount": true, "totalAmount": true}

// fallbacks fill empty cells the way the portal's own export does.
var fallbacks = map[string]func(r *invoice.Record) string{
	"documentType":        func(*invoice.Record) string { return "فاتورة" },
	"documentVersion":     func(*invoice.Record) string { return "1.0" },
	"submissionDate":      func(r *invoice.Record) string { return r.IssueDate },
	"invoiceCurrency":     func(*invoice.Record) string { return invoice.DefaultCurrency },
	"invoiceValue":        func(r *invoice.Record) string { return r.TotalAmount },
	"electronicSignature": func(*invoice.Record) string { return invoice.SignatureMarker },
}

// Columns returns the serial and view columns followed by the selected record
// fields in canonical order. An empty selection selects every field.
func Columns(selected map[string]bool) []Column {
	cols := []Column{
		{Name: "serialNumber", Header: "تسلسل", Width: 8, value: func(i int, _ *invoice.Record) string { return strconv.Itoa(i + 1) }},
		{Name: "view", Header: viewLabel, Width: 10, value: func(int, *invoice.Record) string { return viewLabel }},
	}
	for i, f := range invoice.Fields {
		i, f := i, f
		if len(selected) > 0 && !selected[f.Name] {
			continue
		}
		fallback := fallbacks[f.Name]
		cols = append(cols, Column{
			Name:   f.Name,
			Header: fieldHeaders[f.Name],
			Width:  fieldWidths[i],
			Amount: amountFields[f.Name],
			value: func(_ int, r *invoice.Record) string {
				v := f.Get(r)
				if v == "" && fallback != nil {
					v = fallback(r)
				}
				return v
			},
		})
	}
	return cols
}

// SelectedNames returns the names of the selected fields in canonical order.
func SelectedNames(selected map[string]bool) []string {
	var out []string
	for _, f := range invoice.Fields {
		if len(selected) == 0 || selected[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// DisplayAmount renders an amount with thousands separators and two decimals.
// Empty and zero amounts render empty.
func DisplayAmount(s string) string {
	d, ok := normalize.ParseAmount(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	if d.IsZero() {
		return ""
	}
	return group(d)
}

func group(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteString(frac)
	return b.String()
}
