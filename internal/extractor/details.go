package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/normalize"
)

// DetailsContainer matches the dialog or panel that shows a document's lines.
const DetailsContainer = `.modal-body, .details-container, [class*="detail"]`

// ExtractDetails reads the line-item table inside container. Tables with ten
// or more columns use the full line layout; shorter tables use the compact
// code, description, quantity, price, value, VAT layout.
func ExtractDetails(container *goquery.Selection) []invoice.LineItem {
	items := []invoice.LineItem{}
	table := container.Find("table").First()
	if table.Length() == 0 {
		return items
	}
	locator.Rows(table).Each(func(_ int, row *goquery.Selection) {
		var cells []string
		row.Find("td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, normalize.Text(c.Text()))
		})
		if len(cells) < 4 {
			return
		}
		at := func(i int, def string) string {
			if i < len(cells) && cells[i] != "" {
				return cells[i]
			}
			return def
		}
		var it invoice.LineItem
		if len(cells) >= 10 {
			it = invoice.LineItem{
				ItemCode:     at(0, ""),
				Description:  at(1, ""),
				UnitCode:     at(2, ""),
				UnitName:     at(3, ""),
				Quantity:     at(4, "1"),
				UnitPrice:    normalize.FormatAmount(at(5, "0")),
				TotalValue:   normalize.FormatAmount(at(6, "0")),
				TaxAmount:    normalize.FormatAmount(at(7, "0")),
				VATAmount:    normalize.FormatAmount(at(8, "0")),
				TotalWithVAT: normalize.FormatAmount(at(9, "0")),
			}
		} else {
			it = invoice.LineItem{
				ItemCode:    at(0, ""),
				Description: at(1, ""),
				Quantity:    at(2, "1"),
				UnitPrice:   normalize.FormatAmount(at(3, "0")),
				TotalValue:  normalize.FormatAmount(at(4, "0")),
				VATAmount:   normalize.FormatAmount(at(5, "0")),
			}
		}
		items = append(items, it)
	})
	return items
}

// DetailsTrigger returns the CSS path of the control that opens the details of
// the document whose row mentions id, or "" when there is none.
func DetailsTrigger(doc *goquery.Document, id string) string {
	if id == "" {
		return ""
	}
	var path string
	doc.Find(`tr, [role="row"]`).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if !strings.Contains(row.Text(), id) && row.Find(`[data-uuid="`+id+`"]`).Length() == 0 {
			return true
		}
		ctl := row.Find(`button, a[href*="details"], a[href*="view"]`).First()
		if ctl.Length() == 0 {
			return true
		}
		path = locator.Path(ctl)
		return false
	})
	return path
}
