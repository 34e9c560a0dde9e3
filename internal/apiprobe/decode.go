package apiprobe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
)

// object is a decoded JSON object with case-insensitive lookup.
type object map[string]any

func (o object) get(keys ...string) any {
	for _, k := range keys {
		if v, ok := o[k]; ok && v != nil {
			return v
		}
	}
	for _, k := range keys {
		for ok, v := range o {
			if strings.EqualFold(ok, k) && v != nil {
				return v
			}
		}
	}
	return nil
}

func (o object) str(keys ...string) string {
	return scalar(o.get(keys...))
}

func (o object) obj(keys ...string) object {
	if m, ok := o.get(keys...).(map[string]any); ok {
		return m
	}
	return nil
}

func (o object) num(keys ...string) int {
	n, err := decimal.NewFromString(o.str(keys...))
	if err != nil {
		return 0
	}
	return int(n.IntPart())
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return ""
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return v, nil
}

var listKeys = []string{"data", "content", "items", "documents", "result", "results"}

// ParseListing reads a listing response. The documents may be the top-level
// array or sit under one of the tolerated keys, possibly one level down.
func ParseListing(data []byte) ([]object, Meta, error) {
	v, err := decode(data)
	if err != nil {
		return nil, Meta{}, err
	}
	if arr, ok := v.([]any); ok {
		return objects(arr), Meta{}, nil
	}
	root, ok := v.(map[string]any)
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: not an object", ErrUnparseable)
	}
	arr, holder := findList(root, 2)
	if arr == nil {
		return nil, Meta{}, fmt.Errorf("%w: no document list", ErrUnparseable)
	}
	meta := readMeta(object(root))
	if holder != nil && meta == (Meta{}) {
		meta = readMeta(holder)
	}
	return objects(arr), meta, nil
}

func findList(o object, depth int) ([]any, object) {
	for _, k := range listKeys {
		switch x := o.get(k).(type) {
		case []any:
			return x, o
		case map[string]any:
			if depth > 1 {
				if arr, holder := findList(x, depth-1); arr != nil {
					return arr, holder
				}
			}
		}
	}
	return nil, nil
}

func readMeta(o object) Meta {
	m := Meta{
		TotalCount: o.num("totalCount", "total", "totalElements", "totalItems", "count"),
		TotalPages: o.num("totalPages", "pageCount"),
		PageSize:   o.num("pageSize", "size"),
	}
	if inner := o.obj("metadata", "meta", "pagination", "paging"); inner != nil {
		im := readMeta(inner)
		if m.TotalCount == 0 {
			m.TotalCount = im.TotalCount
		}
		if m.TotalPages == 0 {
			m.TotalPages = im.TotalPages
		}
		if m.PageSize == 0 {
			m.PageSize = im.PageSize
		}
	}
	return m
}

func objects(arr []any) []object {
	out := make([]object, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// record maps a listing document to a record, tolerating the key variants
// seen across portal versions.
func (p *Probe) record(o object) invoice.Record {
	rec := invoice.Record{
		ElectronicNumber:  o.str("uuid", "electronicNumber", "documentUUID"),
		InternalNumber:    o.str("internalId", "internalID", "internalNumber"),
		DocumentType:      o.str("documentTypeNameSecondaryLang", "documentTypeNamePrimaryLang", "typeName", "documentType"),
		DocumentVersion:   o.str("typeVersionName", "documentTypeVersionNumber", "typeVersion", "documentVersion"),
		Status:            normalize.Status(o.str("status", "documentStatus")),
		IssueDate:         normalize.FormatDate(o.str("dateTimeIssued", "issueDate", "dateIssued")),
		SubmissionDate:    normalize.FormatDate(o.str("dateTimeReceived", "submissionDate", "dateReceived")),
		Currency:          o.str("currency", "currencyCode", "invoiceCurrency"),
		InvoiceValue:      normalize.FormatAmount(o.str("totalSales", "netAmount", "totalSalesAmount", "invoiceValue")),
		VATAmount:         normalize.FormatAmount(o.str("vatAmount", "totalVat", "vat")),
		TaxDiscount:       normalize.FormatAmount(o.str("taxDiscount", "totalTaxDiscount")),
		TotalAmount:       normalize.FormatAmount(o.str("total", "totalAmount")),
		SellerTaxNumber:   o.str("issuerId", "sellerTaxNumber"),
		SellerName:        o.str("issuerName", "sellerName"),
		BuyerTaxNumber:    o.str("receiverId", "buyerTaxNumber"),
		BuyerName:         o.str("receiverName", "buyerName"),
		PurchaseOrderRef:  o.str("purchaseOrderReference", "purchaseOrderRef"),
		PurchaseOrderDesc: o.str("purchaseOrderDescription", "purchaseOrderDesc"),
		SalesOrderRef:     o.str("salesOrderReference", "salesOrderRef"),
		ExternalLink:      o.str("publicUrl", "shareUrl", "externalLink"),
	}
	if issuer := o.obj("issuer"); issuer != nil {
		rec.Merge(invoice.Record{SellerTaxNumber: issuer.str("id"), SellerName: issuer.str("name")})
	}
	if receiver := o.obj("receiver"); receiver != nil {
		rec.Merge(invoice.Record{BuyerTaxNumber: receiver.str("id"), BuyerName: receiver.str("name")})
	}
	if rec.ExternalLink == "" && rec.ElectronicNumber != "" && p.ShareBase != "" {
		base := strings.TrimRight(p.ShareBase, "/")
		if long := o.str("longId"); long != "" {
			rec.ExternalLink = base + "/documents/" + rec.ElectronicNumber + "/share/" + long
		} else {
			rec.ExternalLink = base + "/documents/" + rec.ElectronicNumber
		}
	}
	rec.DeriveVAT(p.VATRate)
	return rec
}

var lineKeys = []string{"invoiceLines", "lines", "items"}

// ParseDetails reads the line items of a details response. The lines may sit
// at the top level or inside a nested document object.
func ParseDetails(data []byte) ([]invoice.LineItem, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	var lines []any
	switch x := v.(type) {
	case []any:
		lines = x
	case map[string]any:
		lines = findLines(x, 3)
	}
	if lines == nil {
		return nil, fmt.Errorf("%w: no invoice lines", ErrUnparseable)
	}
	items := make([]invoice.LineItem, 0, len(lines))
	for _, o := range objects(lines) {
		items = append(items, lineItem(o))
	}
	return items, nil
}

func findLines(o object, depth int) []any {
	for _, k := range lineKeys {
		if arr, ok := o.get(k).([]any); ok {
			return arr
		}
	}
	if depth <= 1 {
		return nil
	}
	for _, v := range o {
		if inner, ok := v.(map[string]any); ok {
			if arr := findLines(inner, depth-1); arr != nil {
				return arr
			}
		}
	}
	return nil
}

func lineItem(o object) invoice.LineItem {
	it := invoice.LineItem{
		ItemCode:     o.str("itemCode", "internalCode"),
		Description:  o.str("description", "itemDescription"),
		UnitCode:     o.str("unitType", "unitCode"),
		UnitName:     o.str("unitTypeName", "unitName"),
		Quantity:     o.str("quantity"),
		UnitPrice:    normalize.FormatAmount(o.str("unitPrice")),
		TotalValue:   normalize.FormatAmount(o.str("salesTotal", "totalValue", "netTotal")),
		TaxAmount:    normalize.FormatAmount(o.str("totalTaxableFees", "taxAmount")),
		VATAmount:    normalize.FormatAmount(o.str("vatAmount")),
		TotalWithVAT: normalize.FormatAmount(o.str("total", "totalWithVat")),
	}
	if it.UnitPrice == "" {
		if uv := o.obj("unitValue"); uv != nil {
			it.UnitPrice = normalize.FormatAmount(uv.str("amountEGP", "amountSold"))
		}
	}
	if it.VATAmount == "" {
		sum, found := decimal.Zero, false
		if taxes, ok := o.get("taxableItems").([]any); ok {
			for _, t := range objects(taxes) {
				if !strings.EqualFold(t.str("taxType"), "T1") {
					continue
				}
				if d, ok := normalize.ParseAmount(t.str("amount")); ok {
					sum, found = sum.Add(d), true
				}
			}
		}
		if found {
			it.VATAmount = sum.StringFixed(2)
		}
	}
	return it
}
