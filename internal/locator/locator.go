// Package locator finds the invoice listing inside a rendered portal page.
package locator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"etaexport/internal/normalize"
)

// ErrTableNotFound is returned by callers when Locate finds no listing.
var ErrTableNotFound = errors.New("invoice table not found")

// candidates are tried in rank order; the first element accepted by
// IsInvoiceTable wins.
var candidates = compile(
	`table[class*="invoice"]`,
	`table[id*="invoice"]`,
	`table[class*="document"]`,
	`[class*="invoice"] table`,
	`.ms-DetailsList`,
	`[role="grid"]`,
	`table[class*="table"]`,
	`table[class*="data"]`,
	`table[id*="table"]`,
	`.table-responsive table`,
	`.data-table table`,
	`table`,
)

var (
	tableLike   = cascadia.MustCompile(`table, [role="grid"], .ms-DetailsList`)
	headerCells = cascadia.MustCompile(`th, thead td, [role="columnheader"], .ms-DetailsHeader-cell`)
	rowLike     = cascadia.MustCompile(`tr, [role="row"], .ms-DetailsRow`)
	dataCells   = cascadia.MustCompile(`td, [role="gridcell"], .ms-DetailsRow-cell`)
	tableCells  = cascadia.MustCompile(`td, th`)
	gridCells   = cascadia.MustCompile(`[role="gridcell"], [role="rowheader"], .ms-DetailsRow-cell`)
)

var keywords = []string{
	"invoice", "فاتورة",
	"document", "مستند",
	"date", "تاريخ",
	"total", "إجمالي",
	"electronic", "الإلكتروني",
	"status", "الحالة",
}

// headerGroups are the column families a listing header normally carries.
var headerGroups = [][]string{
	{"electronic", "uuid", "internal", "الرقم", "الإلكتروني", "الداخلي"},
	{"date", "issued", "received", "تاريخ"},
	{"total", "amount", "value", "إجمالي", "الإجمالي", "قيمة"},
	{"status", "الحالة"},
	{"issuer", "receiver", "seller", "buyer", "البائع", "المشتري", "المصدر", "المستلم"},
}

func compile(patterns ...string) []cascadia.Selector {
	out := make([]cascadia.Selector, len(patterns))
	for i, p := range patterns {
		out[i] = cascadia.MustCompile(p)
	}
	return out
}

// Locate returns the invoice listing of doc, or nil when nothing qualifies.
func Locate(doc *goquery.Document) *goquery.Selection {
	for _, m := range candidates {
		var found *goquery.Selection
		doc.FindMatcher(m).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if IsInvoiceTable(s) {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}

	var best *goquery.Selection
	bestRows := 0
	doc.FindMatcher(tableLike).Each(func(_ int, s *goquery.Selection) {
		n := s.FindMatcher(rowLike).Length()
		if n > bestRows && headerGroupHits(s.Text()) >= 3 {
			best, bestRows = s, n
		}
	})
	return best
}

// IsInvoiceTable reports whether s mentions a listing keyword, has at least
// five header cells and at least two rows.
func IsInvoiceTable(s *goquery.Selection) bool {
	text := strings.ToLower(s.Text())
	hit := false
	for _, k := range keywords {
		if strings.Contains(text, k) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	return s.FindMatcher(headerCells).Length() >= 5 && s.FindMatcher(rowLike).Length() >= 2
}

func headerGroupHits(text string) int {
	text = strings.ToLower(text)
	hits := 0
	for _, group := range headerGroups {
		for _, k := range group {
			if strings.Contains(text, k) {
				hits++
				break
			}
		}
	}
	return hits
}

// Rows returns the data rows of a listing. Header rows are excluded.
func Rows(table *goquery.Selection) *goquery.Selection {
	if table == nil {
		return &goquery.Selection{}
	}
	return table.FindMatcher(rowLike).FilterFunction(func(_ int, r *goquery.Selection) bool {
		if r.ParentsFiltered("thead").Length() > 0 {
			return false
		}
		return r.FindMatcher(dataCells).Length() > 0
	})
}

// Cells returns the cells of a row in document order.
func Cells(row *goquery.Selection) *goquery.Selection {
	if goquery.NodeName(row) == "tr" {
		return row.ChildrenMatcher(tableCells)
	}
	return row.FindMatcher(gridCells)
}

// Path builds a CSS path of nth-child steps that addresses the first node of s
// in the live document the snapshot was taken from.
func Path(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	var parts []string
	for n := s.Get(0); n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.Data == "html" {
			parts = append(parts, "html")
			break
		}
		idx := 1
		for p := n.PrevSibling; p != nil; p = p.PrevSibling {
			if p.Type == html.ElementNode {
				idx++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", n.Data, idx))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// FirstRow returns the normalized text of the first data row of the listing,
// or "" when the page has no listing.
func FirstRow(doc *goquery.Document) string {
	rows := Rows(Locate(doc))
	if rows.Length() == 0 {
		return ""
	}
	return normalize.Text(rows.First().Text())
}

// Fingerprint hashes the data rows of the listing. Two snapshots with the same
// fingerprint show the same records.
func Fingerprint(doc *goquery.Document) string {
	h := sha256.New()
	Rows(Locate(doc)).Each(func(_ int, r *goquery.Selection) {
		h.Write([]byte(normalize.Text(r.Text())))
		h.Write([]byte{'\n'})
	})
	return hex.EncodeToString(h.Sum(nil))
}
