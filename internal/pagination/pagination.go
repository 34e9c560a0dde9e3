// Package pagination reads the paging position of a listing page.
package pagination

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"etaexport/internal/normalize"
)

// State is the paging position of the visible listing.
type State struct {
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
	TotalCount  int `json:"totalCount"`
	PageSize    int `json:"pageSize"`
}

// PageSizes are the page sizes the portal offers, smallest first.
var PageSizes = []int{10, 20, 25, 50, 100}

var (
	rangeText = regexp.MustCompile(`(?i)(\d+)\s*(?:-|–|to|إلى)\s*(\d+)\s*(?:of|من)\s*(\d+)`)
	pageText  = regexp.MustCompile(`(?i)(?:page|صفحة)\s*(\d+)\s*(?:of|من|/)\s*(\d+)`)
	totalText = regexp.MustCompile(`(?i)(?:total|إجمالي|المجموع)\s*:?\s*(\d+)`)
)

// Controls matches numbered pagination controls.
const Controls = `.pagination a, .pagination button, .page-link, .page-item, ` +
	`[class*="pagination"] button, [class*="pager"] a, [class*="pager"] button`

var pageParams = []string{"page", "p", "pageNo", "pageNumber"}

// partial tracks which fields are resolved. Zero means unknown.
type partial struct {
	current, pages, count, size int
}

func (p *partial) set(field *int, v int) {
	if *field == 0 && v > 0 {
		*field = v
	}
}

// Inspect resolves each field of the paging state independently, in rank
// order: the active pagination control for the current page, page text,
// numeric pagination controls, the page URL parameter and finally an estimate
// from rowCount. Inspect does not modify doc.
func Inspect(doc *goquery.Document, pageURL string, rowCount int) State {
	var p partial
	maxLabel, active := controls(doc)
	p.set(&p.current, active)
	fromText(&p, Text(doc))
	p.set(&p.pages, maxLabel)
	fromURL(&p, pageURL)
	return p.estimate(rowCount)
}

// PageOf returns the page doc shows in a listing of pageSize rows per page,
// or 0 when doc does not tell. The active pager control ranks first, then
// the page text, then the first row number of a range summary.
func PageOf(doc *goquery.Document, pageSize int) int {
	if _, active := controls(doc); active > 0 {
		return active
	}
	text := Text(doc)
	if m := pageText.FindStringSubmatch(text); m != nil {
		if n := atoi(m[1]); n > 0 {
			return n
		}
	}
	if m := rangeText.FindStringSubmatch(text); m != nil && pageSize > 0 {
		if a := atoi(m[1]); a >= 1 {
			return (a-1)/pageSize + 1
		}
	}
	return 0
}

// FromText resolves the paging state from a text summary alone.
func FromText(s string, rowCount int) State {
	var p partial
	fromText(&p, normalize.Text(normalize.FoldDigits(s)))
	return p.estimate(rowCount)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func fromText(p *partial, text string) {
	if m := rangeText.FindStringSubmatch(text); m != nil {
		a, b, c := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if a >= 1 && b >= a {
			size := b - a + 1
			// A short last page under-reports the page size; a known
			// current page recovers it from the first row number.
			if p.current > 1 && a > 1 && (a-1)%(p.current-1) == 0 {
				size = (a - 1) / (p.current - 1)
			}
			p.set(&p.count, c)
			p.set(&p.size, size)
			p.set(&p.current, ceilDiv(a, size))
			p.set(&p.pages, ceilDiv(c, size))
		}
	}
	if m := pageText.FindStringSubmatch(text); m != nil {
		p.set(&p.current, atoi(m[1]))
		p.set(&p.pages, atoi(m[2]))
	}
	if m := totalText.FindStringSubmatch(text); m != nil {
		p.set(&p.count, atoi(m[1]))
	}
}

// controls returns the highest page label of the pager and the label of its
// active control.
func controls(doc *goquery.Document) (maxLabel, active int) {
	doc.Find(Controls).Each(func(_ int, s *goquery.Selection) {
		n := atoi(normalize.Text(normalize.FoldDigits(s.Text())))
		if n <= 0 {
			return
		}
		if n > maxLabel {
			maxLabel = n
		}
		if active == 0 && isActive(s) {
			active = n
		}
	})
	return maxLabel, active
}

func isActive(s *goquery.Selection) bool {
	for _, el := range []*goquery.Selection{s, s.Parent()} {
		class := strings.ToLower(el.AttrOr("class", ""))
		for _, marker := range []string{"active", "selected", "current", "is-checked"} {
			if strings.Contains(class, marker) {
				return true
			}
		}
		if v, ok := el.Attr("aria-current"); ok && v != "false" {
			return true
		}
		if el.AttrOr("aria-pressed", "") == "true" || el.AttrOr("aria-selected", "") == "true" {
			return true
		}
	}
	return false
}

func fromURL(p *partial, pageURL string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	q := u.Query()
	for _, k := range pageParams {
		if n := atoi(q.Get(k)); n > 0 {
			p.set(&p.current, n)
			return
		}
	}
}

// estimate fills the unresolved fields and clamps the result.
func (p partial) estimate(rowCount int) State {
	if rowCount < 0 {
		rowCount = 0
	}
	if p.size == 0 {
		p.size = rowCount
		for _, s := range PageSizes {
			if s >= rowCount {
				p.size = s
				break
			}
		}
	}
	if p.pages == 0 && p.count > 0 {
		p.pages = ceilDiv(p.count, p.size)
	}
	if p.count == 0 {
		p.count = rowCount * max(p.pages, 1)
	}

	st := State{
		CurrentPage: max(p.current, 1),
		TotalPages:  max(p.pages, 1),
		TotalCount:  max(p.count, 0),
		PageSize:    max(p.size, 1),
	}
	if st.TotalPages < st.CurrentPage {
		st.TotalPages = st.CurrentPage
	}
	return st
}

// Text returns the visible text of doc with text nodes separated by spaces,
// digits folded to ASCII and whitespace collapsed.
func Text(doc *goquery.Document) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "head" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return normalize.Text(normalize.FoldDigits(b.String()))
}
