package invoice

import (
	"strings"

	"github.com/shopspring/decimal"

	"etaexport/internal/normalize"
)

// SignatureMarker is written into every record's ElectronicSignature field.
// The portal only lists signed documents, so the value is constant.
const SignatureMarker = "موقع إلكترونياً"

// DefaultCurrency is used when a row carries no currency column.
const DefaultCurrency = "EGP"

// Record is one canonical portal document.
type Record struct {
	SerialNumber        int        `json:"serialNumber"`
	DocumentType        string     `json:"documentType"`
	DocumentVersion     string     `json:"documentVersion"`
	Status              string     `json:"status"`
	IssueDate           string     `json:"issueDate"`
	SubmissionDate      string     `json:"submissionDate"`
	Currency            string     `json:"invoiceCurrency"`
	InvoiceValue        string     `json:"invoiceValue"`
	VATAmount           string     `json:"vatAmount"`
	TaxDiscount         string     `json:"taxDiscount"`
	TotalAmount         string     `json:"totalAmount"`
	InternalNumber      string     `json:"internalNumber"`
	ElectronicNumber    string     `json:"electronicNumber"`
	SellerTaxNumber     string     `json:"sellerTaxNumber"`
	SellerName          string     `json:"sellerName"`
	SellerAddress       string     `json:"sellerAddress"`
	BuyerTaxNumber      string     `json:"buyerTaxNumber"`
	BuyerName           string     `json:"buyerName"`
	BuyerAddress        string     `json:"buyerAddress"`
	PurchaseOrderRef    string     `json:"purchaseOrderRef"`
	PurchaseOrderDesc   string     `json:"purchaseOrderDesc"`
	SalesOrderRef       string     `json:"salesOrderRef"`
	ElectronicSignature string     `json:"electronicSignature"`
	FoodDrugGuide       string     `json:"foodDrugGuide"`
	ExternalLink        string     `json:"externalLink"`
	Details             []LineItem `json:"details"`
}

// LineItem is one line of an invoice's details.
type LineItem struct {
	ItemCode     string `json:"itemCode"`
	Description  string `json:"description"`
	UnitCode     string `json:"unitCode"`
	UnitName     string `json:"unitName"`
	Quantity     string `json:"quantity"`
	UnitPrice    string `json:"unitPrice"`
	TotalValue   string `json:"totalValue"`
	TaxAmount    string `json:"taxAmount"`
	VATAmount    string `json:"vatAmount"`
	TotalWithVAT string `json:"totalWithVat"`
}

// Field names a string field of Record. The names match the JSON keys and
// the field-selection flags of the export stage.
type Field struct {
	Name string
	ptr  func(r *Record) *string
}

// Get returns the field value of r.
func (f Field) Get(r *Record) string { return *f.ptr(r) }

// Set overwrites the field value of r.
func (f Field) Set(r *Record, v string) { *f.ptr(r) = v }

// Fields lists the string fields of Record in canonical column order.
var Fields = []Field{
	{"documentType", func(r *Record) *string { return &r.DocumentType }},
	{"documentVersion", func(r *Record) *string { return &r.DocumentVersion }},
	{"status", func(r *Record) *string { return &r.Status }},
	{"issueDate", func(r *Record) *string { return &r.IssueDate }},
	{"submissionDate", func(r *Record) *string { return &r.SubmissionDate }},
	{"invoiceCurrency", func(r *Record) *string { return &r.Currency }},
	{"invoiceValue", func(r *Record) *string { return &r.InvoiceValue }},
	{"vatAmount", func(r *Record) *string { return &r.VATAmount }},
	{"taxDiscount", func(r *Record) *string { return &r.TaxDiscount }},
	{"totalAmount", func(r *Record) *string { return &r.TotalAmount }},
	{"internalNumber", func(r *Record) *string { return &r.InternalNumber }},
	{"electronicNumber", func(r *Record) *string { return &r.ElectronicNumber }},
	{"sellerTaxNumber", func(r *Record) *string { return &r.SellerTaxNumber }},
	{"sellerName", func(r *Record) *string { return &r.SellerName }},
	{"sellerAddress", func(r *Record) *string { return &r.SellerAddress }},
	{"buyerTaxNumber", func(r *Record) *string { return &r.BuyerTaxNumber }},
	{"buyerName", func(r *Record) *string { return &r.BuyerName }},
	{"buyerAddress", func(r *Record) *string { return &r.BuyerAddress }},
	{"purchaseOrderRef", func(r *Record) *string { return &r.PurchaseOrderRef }},
	{"purchaseOrderDesc", func(r *Record) *string { return &r.PurchaseOrderDesc }},
	{"salesOrderRef", func(r *Record) *string { return &r.SalesOrderRef }},
	{"electronicSignature", func(r *Record) *string { return &r.ElectronicSignature }},
	{"foodDrugGuide", func(r *Record) *string { return &r.FoodDrugGuide }},
	{"externalLink", func(r *Record) *string { return &r.ExternalLink }},
}

// Merge copies into r every field of src that r still has empty.
// Fields already set on r are never overwritten.
func (r *Record) Merge(src Record) {
	for _, f := range Fields {
		if f.Get(r) == "" {
			if v := f.Get(&src); v != "" {
				f.Set(r, v)
			}
		}
	}
}

// Valid reports whether the record carries at least one identifying value.
func (r Record) Valid() bool {
	return strings.TrimSpace(r.ElectronicNumber) != "" ||
		strings.TrimSpace(r.InternalNumber) != "" ||
		strings.TrimSpace(r.TotalAmount) != ""
}

// ApplyDefaults fills the defaultable fields.
func (r *Record) ApplyDefaults() {
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if r.TaxDiscount == "" {
		r.TaxDiscount = "0"
	}
	if r.ElectronicSignature == "" {
		r.ElectronicSignature = SignatureMarker
	}
	if r.Details == nil {
		r.Details = []LineItem{}
	}
}

// DeriveVAT fills the net value and VAT from the VAT-inclusive total using
// rate. When one of the two is known the other is the difference to the
// total. The rate is the tax regime's policy and comes from configuration.
func (r *Record) DeriveVAT(rate decimal.Decimal) {
	if r.TotalAmount == "" {
		return
	}
	switch {
	case r.InvoiceValue == "" && r.VATAmount == "":
		if vat, net, ok := normalize.SplitInclusive(r.TotalAmount, rate); ok {
			r.VATAmount, r.InvoiceValue = vat, net
		}
	case r.InvoiceValue == "":
		if net, ok := normalize.Difference(r.TotalAmount, r.VATAmount); ok {
			r.InvoiceValue = net
		}
	case r.VATAmount == "":
		if vat, ok := normalize.Difference(r.TotalAmount, r.InvoiceValue); ok {
			r.VATAmount = vat
		}
	}
}

// Number assigns 1-based serial numbers in slice order.
func Number(records []Record) {
	for i := range records {
		records[i].SerialNumber = i + 1
	}
}

// Progress is emitted by long-running operations after each batch.
type Progress struct {
	CurrentPage int     `json:"currentPage"`
	TotalPages  int     `json:"totalPages"`
	Message     string  `json:"message"`
	Percentage  float64 `json:"percentage,omitempty"`
}

// ProgressFunc receives progress events. It may be nil.
type ProgressFunc func(Progress)

// Result is the outcome of an aggregation run.
type Result struct {
	Invoices       []Record `json:"invoices"`
	TotalProcessed int      `json:"totalProcessed"`
	ExpectedTotal  int      `json:"expectedTotal"`
	CurrentPage    int      `json:"currentPage"`
	TotalPages     int      `json:"totalPages"`
	Rejected       int      `json:"rejected"`
	FailedPages    []int    `json:"failedPages,omitempty"`
	Source         string   `json:"source,omitempty"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
}
