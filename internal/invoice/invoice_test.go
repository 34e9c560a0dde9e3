package invoice

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"etaexport/internal/normalize"
)

func TestValid(t *testing.T) {
	assert.False(t, Record{}.Valid())
	assert.False(t, Record{SellerName: "ACME", Status: "Valid"}.Valid())
	assert.False(t, Record{ElectronicNumber: "   "}.Valid())
	assert.True(t, Record{ElectronicNumber: "ABC"}.Valid())
	assert.True(t, Record{InternalNumber: "1001"}.Valid())
	assert.True(t, Record{TotalAmount: "10.00"}.Valid())
}

func TestMergeFirstWriterWins(t *testing.T) {
	r := Record{TotalAmount: "114.00"}
	r.Merge(Record{TotalAmount: "999.00", BuyerName: "Buyer"})
	r.Merge(Record{BuyerName: "Other"})

	assert.Equal(t, "114.00", r.TotalAmount)
	assert.Equal(t, "Buyer", r.BuyerName)
}

func TestApplyDefaults(t *testing.T) {
	r := Record{Currency: "USD"}
	r.ApplyDefaults()

	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, "0", r.TaxDiscount)
	assert.Equal(t, SignatureMarker, r.ElectronicSignature)
	assert.NotNil(t, r.Details)

	var empty Record
	empty.ApplyDefaults()
	assert.Equal(t, DefaultCurrency, empty.Currency)
}

func TestNumber(t *testing.T) {
	records := []Record{{SerialNumber: 7}, {}, {}}
	Number(records)
	for i, r := range records {
		assert.Equal(t, i+1, r.SerialNumber)
	}
}

func TestDeriveVAT(t *testing.T) {
	r := Record{TotalAmount: "114.00"}
	r.DeriveVAT(normalize.DefaultVATRate)
	assert.Equal(t, "14.00", r.VATAmount)
	assert.Equal(t, "100.00", r.InvoiceValue)

	r = Record{TotalAmount: "114.00", VATAmount: "10.00"}
	r.DeriveVAT(normalize.DefaultVATRate)
	assert.Equal(t, "104.00", r.InvoiceValue)

	r = Record{TotalAmount: "50.00", InvoiceValue: "45.00", VATAmount: "5.00"}
	r.DeriveVAT(normalize.DefaultVATRate)
	assert.Equal(t, "45.00", r.InvoiceValue)
	assert.Equal(t, "5.00", r.VATAmount)

	r = Record{}
	r.DeriveVAT(normalize.DefaultVATRate)
	assert.Empty(t, r.VATAmount)
}
