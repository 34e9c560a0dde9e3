// Package portaltest renders portal listing pages for tests.
package portaltest

import (
	"fmt"
	"strings"
)

// Headers are the Arabic column titles of the positional listing.
var Headers = []string{
	"تسلسل", "عرض", "نوع المستند", "نسخة المستند", "الحالة", "تاريخ الإصدار", "تاريخ التقديم",
	"عملة الفاتورة", "قيمة الفاتورة", "ضريبة القيمة المضافة", "الخصم تحت حساب الضريبة", "إجمالي الفاتورة",
	"الرقم الداخلي", "الرقم الإلكتروني", "الرقم الضريبي للبائع", "اسم البائع", "عنوان البائع",
	"الرقم الضريبي للمشتري", "اسم المشتري", "عنوان المشتري", "مرجع طلب الشراء", "وصف طلب الشراء",
	"مرجع طلب المبيعات", "التوقيع الإلكتروني", "دليل الغذاء والدواء", "الرابط الخارجي",
}

// Row is one listed document.
type Row struct {
	Electronic string
	Internal   string
	Issued     string
	Total      string
	Net        string
	VAT        string
	Status     string
	Seller     string
	Buyer      string
}

// RowFor returns the deterministic i-th row (0-based) of page p.
func RowFor(p, i int) Row {
	n := (p-1)*100 + i + 1
	return Row{
		Electronic: fmt.Sprintf("ETA%023d", n),
		Internal:   fmt.Sprintf("INV-%04d", n),
		Issued:     fmt.Sprintf("%02d/01/2024", i%28+1),
		Total:      fmt.Sprintf("%d.00", 114*n),
		Net:        fmt.Sprintf("%d.00", 100*n),
		VAT:        fmt.Sprintf("%d.00", 14*n),
		Status:     "صالحة",
		Seller:     "شركة البائع",
		Buyer:      fmt.Sprintf("Buyer %d", n),
	}
}

// Rows returns the rows of page p.
func Rows(p, perPage int) []Row {
	out := make([]Row, perPage)
	for i := range out {
		out[i] = RowFor(p, i)
	}
	return out
}

// Page renders page p of a positional listing with a numbered pagination bar
// and a range summary.
func Page(p, totalPages, perPage, totalCount int) string {
	return PageWith(p, totalPages, perPage, totalCount, Rows(p, perPage))
}

// PageWith renders page p of a positional listing holding rows. perPage is
// the page size of the listing; the last page may hold fewer rows.
func PageWith(p, totalPages, perPage, totalCount int, rows []Row) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>ETA</title></head><body><div class="content">`)
	b.WriteString(`<table class="table"><tr><td><a href="/home">Home</a></td></tr></table>`)
	b.WriteString(`<table class="table invoice-table"><thead><tr>`)
	for _, h := range Headers {
		fmt.Fprintf(&b, "<th>%s</th>", h)
	}
	b.WriteString(`</tr></thead><tbody>`)
	for i, r := range rows {
		b.WriteString("<tr>")
		cells := []string{
			fmt.Sprint(i + 1),
			fmt.Sprintf(`<button class="btn view-details" data-uuid="%s">عرض</button>`, r.Electronic),
			"فاتورة", "1.0", r.Status, r.Issued, r.Issued, "EGP",
			r.Net, r.VAT, "0.00", r.Total, r.Internal, r.Electronic,
			"100-200-300", r.Seller, "القاهرة", "400-500-600", r.Buyer, "الجيزة",
			"PO-1", "Supplies", "SO-1", "موقع", "", fmt.Sprintf(`<a href="https://invoicing.eta.gov.eg/print/documents/%s/share">رابط</a>`, r.Electronic),
		}
		for _, c := range cells {
			fmt.Fprintf(&b, "<td>%s</td>", c)
		}
		b.WriteString("</tr>")
	}
	b.WriteString(`</tbody></table>`)
	b.WriteString(Pager(p, totalPages))
	if len(rows) > 0 {
		first := (p-1)*perPage + 1
		fmt.Fprintf(&b, `<div class="summary">%d-%d من %d</div>`, first, first+len(rows)-1, totalCount)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

// Pager renders a numbered pagination bar with page p active.
func Pager(p, totalPages int) string {
	var b strings.Builder
	b.WriteString(`<ul class="pagination">`)
	for i := 1; i <= totalPages; i++ {
		class := "page-item"
		if i == p {
			class += " active"
		}
		fmt.Fprintf(&b, `<li class="%s"><a class="page-link" href="?page=%d">%d</a></li>`, class, i, i)
	}
	b.WriteString(`</ul>`)
	return b.String()
}

// GridPage renders a virtualized grid listing whose cells carry
// data-automation-key markers.
func GridPage(rows []Row) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="ms-DetailsList" role="grid">`)
	b.WriteString(`<div class="ms-DetailsHeader" role="row">`)
	for _, h := range []string{"Electronic number", "Internal ID", "Issued date", "Total", "Status", "Issuer", "Receiver"} {
		fmt.Fprintf(&b, `<div class="ms-DetailsHeader-cell" role="columnheader">%s</div>`, h)
	}
	b.WriteString(`</div>`)
	for _, r := range rows {
		b.WriteString(`<div class="ms-DetailsRow" role="row"><div class="ms-DetailsRow-fields">`)
		cell := func(key, text string) {
			fmt.Fprintf(&b, `<div class="ms-DetailsRow-cell" role="gridcell" data-automation-key="%s">%s</div>`, key, text)
		}
		cell("uuid", fmt.Sprintf(`<a href="/documents/%s/share">%s</a>`, r.Electronic, r.Electronic))
		cell("internalId", r.Internal)
		cell("dateTimeIssued", "2024-01-05T10:00:00Z")
		cell("total", r.Total+" EGP")
		cell("status", "Valid")
		cell("issuerName", r.Seller)
		cell("receiverName", r.Buyer)
		b.WriteString(`</div></div>`)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}
