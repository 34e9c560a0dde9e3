package export

import (
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
)

// WriteMarkdown writes a summary followed by the invoice table, and one
// line-item table per invoice when details were requested.
func WriteMarkdown(w io.Writer, p Payload) error {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.Table())

	markdown, err := converter.ConvertString(renderHTML(p))
	if err != nil {
		return fmt.Errorf("failed to convert HTML to Markdown: %w", err)
	}
	if _, err := io.WriteString(w, strings.TrimSpace(markdown)+"\n"); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	return nil
}

// renderHTML lays the export out as an HTML document for the converter.
func renderHTML(p Payload) string {
	stats := Compute(p.Invoices)
	var b strings.Builder

	b.WriteString("<h1>" + mainSheet + "</h1><ul>")
	item := func(label, value string) {
		b.WriteString("<li><strong>" + html.EscapeString(label) + ":</strong> " + html.EscapeString(value) + "</li>")
	}
	item("تاريخ التصدير", p.exportedAt().Format("2006-01-02 15:04"))
	item("نوع التصدير", exportLabel(p))
	item(statTotalCount, strconv.Itoa(len(p.Invoices)))
	item(statTotalValue, currency(group(stats.TotalValue)))
	item(statTotalVAT, currency(group(stats.TotalVAT)))
	item(statAverage, currency(group(stats.AverageValue)))
	b.WriteString("</ul>")

	countTable := func(title string, counts map[string]int) {
		b.WriteString("<h2>" + title + "</h2><table><thead><tr><th>البيان</th><th>العدد</th></tr></thead><tbody>")
		for _, c := range sortedCounts(counts) {
			b.WriteString("<tr><td>" + html.EscapeString(c.Key) + "</td><td>" + strconv.Itoa(c.N) + "</td></tr>")
		}
		b.WriteString("</tbody></table>")
	}
	countTable(statByStatus, stats.StatusCounts)
	countTable(statByType, stats.TypeCounts)

	cols := Columns(p.Fields)
	b.WriteString("<h2>الفواتير</h2><table><thead><tr>")
	for _, c := range cols {
		if c.Name == "view" {
			continue
		}
		b.WriteString("<th>" + c.Header + "</th>")
	}
	b.WriteString("</tr></thead><tbody>")
	for i := range p.Invoices {
		r := &p.Invoices[i]
		b.WriteString("<tr>")
		for _, c := range cols {
			if c.Name == "view" {
				continue
			}
			v := c.Value(i, r)
			if c.Amount {
				v = DisplayAmount(v)
			}
			b.WriteString("<td>" + html.EscapeString(v) + "</td>")
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</tbody></table>")

	if !p.IncludeDetails {
		return b.String()
	}
	for i := range p.Invoices {
		r := &p.Invoices[i]
		b.WriteString("<h3>" + detailsSheet(i) + " " + html.EscapeString(r.ElectronicNumber) + "</h3><table><thead><tr>")
		for _, h := range detailHeaders {
			b.WriteString("<th>" + h + "</th>")
		}
		b.WriteString("</tr></thead><tbody>")
		for _, row := range detailRows(r) {
			b.WriteString("<tr>")
			for _, v := range row {
				b.WriteString("<td>" + html.EscapeString(v) + "</td>")
			}
			b.WriteString("</tr>")
		}
		b.WriteString("</tbody></table>")
	}
	return b.String()
}

func currency(s string) string {
	return s + " EGP"
}
