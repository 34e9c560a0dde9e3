// Package extractor turns listing rows into invoice records.
//
// A row is read by an ordered list of strategies. Each strategy returns a
// partial record and the partials are merged first-writer-wins, so a field
// filled by an earlier strategy is never overwritten by a later one.
package extractor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/normalize"
)

// Row is a listing row prepared for the strategies.
type Row struct {
	Sel     *goquery.Selection
	Cells   []*goquery.Selection
	Texts   []string
	Index   int
	BaseURL *url.URL
}

// Strategy reads what it can from a row.
type Strategy func(Row) invoice.Record

// Extractor applies its strategies to listing rows.
type Extractor struct {
	Strategies []Strategy
	VATRate    decimal.Decimal
	BaseURL    string
}

// New returns an extractor with the structured, positional and
// content-pattern strategies in that order.
func New(baseURL string, vatRate decimal.Decimal) *Extractor {
	return &Extractor{
		Strategies: []Strategy{Structured, Positional, ContentPattern},
		VATRate:    vatRate,
		BaseURL:    baseURL,
	}
}

// Extract reads one row. The boolean is false when the record has no
// identifying value and must be discarded.
func (e *Extractor) Extract(row *goquery.Selection, rowIndex int) (invoice.Record, bool) {
	r := e.prepare(row, rowIndex)

	var rec invoice.Record
	for _, s := range e.Strategies {
		rec.Merge(s(r))
	}
	rec.DeriveVAT(e.VATRate)
	if rec.ExternalLink == "" && rec.ElectronicNumber != "" && r.BaseURL != nil {
		rec.ExternalLink = r.BaseURL.JoinPath("documents", rec.ElectronicNumber).String()
	}
	if !rec.Valid() {
		return invoice.Record{}, false
	}
	rec.SerialNumber = rowIndex
	rec.ApplyDefaults()
	return rec, true
}

// ExtractAll reads every data row of a located listing. Rejected rows are only
// counted.
func (e *Extractor) ExtractAll(table *goquery.Selection) (records []invoice.Record, rejected int) {
	records = []invoice.Record{}
	locator.Rows(table).Each(func(i int, row *goquery.Selection) {
		if rec, ok := e.Extract(row, i+1); ok {
			records = append(records, rec)
		} else {
			rejected++
		}
	})
	return records, rejected
}

func (e *Extractor) prepare(row *goquery.Selection, idx int) Row {
	r := Row{Sel: row, Index: idx}
	locator.Cells(row).Each(func(_ int, c *goquery.Selection) {
		r.Cells = append(r.Cells, c)
		r.Texts = append(r.Texts, normalize.Text(c.Text()))
	})
	if e.BaseURL != "" {
		if u, err := url.Parse(e.BaseURL); err == nil && u.Host != "" {
			r.BaseURL = u
		}
	}
	return r
}

var markerAttrs = []string{"data-automation-key", "data-field", "data-column", "data-key", "data-label"}

type setter func(r *invoice.Record, text string)

func text(f func(*invoice.Record) *string) setter {
	return func(r *invoice.Record, s string) { *f(r) = s }
}

func amount(f func(*invoice.Record) *string) setter {
	return func(r *invoice.Record, s string) { *f(r) = normalize.FormatAmount(s) }
}

func date(f func(*invoice.Record) *string) setter {
	return func(r *invoice.Record, s string) { *f(r) = normalize.FormatDate(s) }
}

// markers maps lowercased marker values to record fields.
var markers = map[string]setter{
	"uuid":                   text(func(r *invoice.Record) *string { return &r.ElectronicNumber }),
	"electronicnumber":       text(func(r *invoice.Record) *string { return &r.ElectronicNumber }),
	"internalid":             text(func(r *invoice.Record) *string { return &r.InternalNumber }),
	"internalnumber":         text(func(r *invoice.Record) *string { return &r.InternalNumber }),
	"total":                  amount(func(r *invoice.Record) *string { return &r.TotalAmount }),
	"totalamount":            amount(func(r *invoice.Record) *string { return &r.TotalAmount }),
	"totalsales":             amount(func(r *invoice.Record) *string { return &r.InvoiceValue }),
	"netamount":              amount(func(r *invoice.Record) *string { return &r.InvoiceValue }),
	"invoicevalue":           amount(func(r *invoice.Record) *string { return &r.InvoiceValue }),
	"vat":                    amount(func(r *invoice.Record) *string { return &r.VATAmount }),
	"vatamount":              amount(func(r *invoice.Record) *string { return &r.VATAmount }),
	"totaldiscount":          amount(func(r *invoice.Record) *string { return &r.TaxDiscount }),
	"taxdiscount":            amount(func(r *invoice.Record) *string { return &r.TaxDiscount }),
	"datetimeissued":         date(func(r *invoice.Record) *string { return &r.IssueDate }),
	"issuedate":              date(func(r *invoice.Record) *string { return &r.IssueDate }),
	"datetimereceived":       date(func(r *invoice.Record) *string { return &r.SubmissionDate }),
	"submissiondate":         date(func(r *invoice.Record) *string { return &r.SubmissionDate }),
	"typename":               text(func(r *invoice.Record) *string { return &r.DocumentType }),
	"documenttype":           text(func(r *invoice.Record) *string { return &r.DocumentType }),
	"typeversionname":        text(func(r *invoice.Record) *string { return &r.DocumentVersion }),
	"documentversion":        text(func(r *invoice.Record) *string { return &r.DocumentVersion }),
	"issuername":             text(func(r *invoice.Record) *string { return &r.SellerName }),
	"sellername":             text(func(r *invoice.Record) *string { return &r.SellerName }),
	"issuerid":               text(func(r *invoice.Record) *string { return &r.SellerTaxNumber }),
	"sellertaxnumber":        text(func(r *invoice.Record) *string { return &r.SellerTaxNumber }),
	"receivername":           text(func(r *invoice.Record) *string { return &r.BuyerName }),
	"buyername":              text(func(r *invoice.Record) *string { return &r.BuyerName }),
	"receiverid":             text(func(r *invoice.Record) *string { return &r.BuyerTaxNumber }),
	"buyertaxnumber":         text(func(r *invoice.Record) *string { return &r.BuyerTaxNumber }),
	"currency":               text(func(r *invoice.Record) *string { return &r.Currency }),
	"purchaseorderreference": text(func(r *invoice.Record) *string { return &r.PurchaseOrderRef }),
	"salesorderreference":    text(func(r *invoice.Record) *string { return &r.SalesOrderRef }),
	"status": func(r *invoice.Record, s string) {
		r.Status = normalize.Status(s)
	},
}

func markerOf(cell *goquery.Selection) string {
	for _, a := range markerAttrs {
		if v, ok := cell.Attr(a); ok && v != "" {
			return strings.ToLower(v)
		}
	}
	for _, a := range markerAttrs {
		if v, ok := cell.Find("[" + a + "]").First().Attr(a); ok && v != "" {
			return strings.ToLower(v)
		}
	}
	return ""
}

func hasMarkers(r Row) bool {
	for _, c := range r.Cells {
		if markerOf(c) != "" {
			return true
		}
	}
	return false
}

var documentLink = regexp.MustCompile(`/(?:print/)?documents?/`)

// Structured reads cells tagged with per-field markers.
func Structured(r Row) invoice.Record {
	var rec invoice.Record
	for i, c := range r.Cells {
		set, ok := markers[markerOf(c)]
		if !ok || r.Texts[i] == "" {
			continue
		}
		var partial invoice.Record
		set(&partial, r.Texts[i])
		rec.Merge(partial)
	}
	if rec.ExternalLink == "" {
		r.Sel.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href := a.AttrOr("href", "")
			if documentLink.MatchString(href) {
				rec.ExternalLink = resolve(r.BaseURL, href)
				return false
			}
			return true
		})
	}
	return rec
}

// minPositionalCells is the column count up to the total amount.
const minPositionalCells = 12

var identifier = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_/]{2,63}$`)

// Positional reads the canonical column order of the portal listing. It only
// runs for rows without per-field markers, and each amount, date and
// identifier column is taken only when its text has the expected shape.
func Positional(r Row) invoice.Record {
	var rec invoice.Record
	if len(r.Cells) < minPositionalCells || hasMarkers(r) {
		return rec
	}
	at := func(i int) string {
		if i < len(r.Texts) {
			return r.Texts[i]
		}
		return ""
	}
	amountAt := func(i int) string {
		if s := at(i); normalize.IsNumeric(s) {
			return normalize.FormatAmount(s)
		}
		return ""
	}
	dateAt := func(i int) string {
		if s := at(i); normalize.IsDate(s) {
			return normalize.FormatDate(s)
		}
		return ""
	}
	idAt := func(i int) string {
		if s := at(i); identifier.MatchString(s) && !normalize.IsDate(s) {
			return s
		}
		return ""
	}

	rec.DocumentType = at(2)
	rec.DocumentVersion = at(3)
	rec.Status = normalize.Status(at(4))
	rec.IssueDate = dateAt(5)
	rec.SubmissionDate = dateAt(6)
	rec.Currency = at(7)
	rec.InvoiceValue = amountAt(8)
	rec.VATAmount = amountAt(9)
	rec.TaxDiscount = amountAt(10)
	rec.TotalAmount = amountAt(11)
	rec.InternalNumber = idAt(12)
	rec.ElectronicNumber = idAt(13)
	rec.SellerTaxNumber = at(14)
	rec.SellerName = at(15)
	rec.SellerAddress = at(16)
	rec.BuyerTaxNumber = at(17)
	rec.BuyerName = at(18)
	rec.BuyerAddress = at(19)
	rec.PurchaseOrderRef = at(20)
	rec.PurchaseOrderDesc = at(21)
	rec.SalesOrderRef = at(22)
	rec.FoodDrugGuide = at(24)
	if len(r.Cells) > 25 {
		if href, ok := r.Cells[25].Find("a[href]").Attr("href"); ok {
			rec.ExternalLink = resolve(r.BaseURL, href)
		} else {
			rec.ExternalLink = at(25)
		}
	}
	return rec
}

var longID = regexp.MustCompile(`^[A-Za-z0-9]{20,30}$`)

// ContentPattern scans all cell texts for recognizable shapes: an identifier
// becomes the electronic number, the first date the issue date and the
// largest amount the total.
func ContentPattern(r Row) invoice.Record {
	var rec invoice.Record
	var largest decimal.Decimal
	found := false
	for _, t := range r.Texts {
		switch {
		case t == "":
		case rec.ElectronicNumber == "" && isElectronicNumber(t):
			rec.ElectronicNumber = t
		case normalize.IsDate(t):
			if rec.IssueDate == "" {
				rec.IssueDate = normalize.FormatDate(t)
			}
		case normalize.IsAmount(t):
			if d, ok := normalize.ParseAmount(t); ok && (!found || d.GreaterThan(largest)) {
				largest, found = d, true
			}
		}
	}
	if found {
		rec.TotalAmount = largest.StringFixed(2)
	}
	return rec
}

func isElectronicNumber(s string) bool {
	if _, err := uuid.Parse(s); err == nil && strings.Count(s, "-") == 4 {
		return true
	}
	return longID.MatchString(s) && strings.IndexFunc(s, isLetter) >= 0
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func resolve(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil || u.IsAbs() {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
