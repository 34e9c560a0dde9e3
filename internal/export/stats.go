package export

import (
	"sort"

	"github.com/shopspring/decimal"

	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
)

// Unspecified labels records without a status or document type.
const Unspecified = "غير محدد"

// Statistics summarizes an export.
type Statistics struct {
	TotalValue   decimal.Decimal `json:"totalValue"`
	TotalVAT     decimal.Decimal `json:"totalVAT"`
	AverageValue decimal.Decimal `json:"averageValue"`
	StatusCounts map[string]int  `json:"statusCounts"`
	TypeCounts   map[string]int  `json:"typeCounts"`
}

// Compute returns the statistics of records. Values are the VAT-inclusive
// totals; unparseable amounts count as zero.
func Compute(records []invoice.Record) Statistics {
	s := Statistics{StatusCounts: map[string]int{}, TypeCounts: map[string]int{}}
	for i := range records {
		r := &records[i]
		if v, ok := normalize.ParseAmount(r.TotalAmount); ok {
			s.TotalValue = s.TotalValue.Add(v)
		}
		if v, ok := normalize.ParseAmount(r.VATAmount); ok {
			s.TotalVAT = s.TotalVAT.Add(v)
		}
		s.StatusCounts[orUnspecified(r.Status)]++
		s.TypeCounts[orUnspecified(r.DocumentType)]++
	}
	if len(records) > 0 {
		s.AverageValue = s.TotalValue.Div(decimal.NewFromInt(int64(len(records)))).Round(2)
	}
	return s
}

func orUnspecified(s string) string {
	if s == "" {
		return Unspecified
	}
	return s
}

type count struct {
	Key string
	N   int
}

// sortedCounts orders counts by frequency, then key.
func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Key < out[j].Key
	})
	return out
}
