// Package normalize coerces raw cell and API text into the display forms
// used by invoice records. Every function is pure.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// DefaultVATRate is the inclusive VAT rate observed on the portal (14%).
var DefaultVATRate = decimal.NewFromFloat(0.14)

// DateLayout is the display layout of normalized dates.
const DateLayout = "02/01/2006"

var digitFolder = runes.Map(func(r rune) rune {
	switch {
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠')
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰')
	case r == '٫':
		return '.'
	case r == '٬', r == '،':
		return ','
	case r == '\u00a0':
		return ' '
	}
	return r
})

// FoldDigits rewrites Arabic-Indic and Persian digits and separators to ASCII.
func FoldDigits(s string) string {
	out, _, err := transform.String(digitFolder, s)
	if err != nil {
		return s
	}
	return out
}

// Text collapses whitespace runs and trims the result.
func Text(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	amountToken = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	amountShape = regexp.MustCompile(`^(?:(?:EGP|USD|EUR|GBP|SAR|ج\.?م\.?)\s*)?-?(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{1,3}(?:\s*(?:EGP|USD|EUR|GBP|SAR|ج\.?م\.?|جنيه))?$`)
	numberShape = regexp.MustCompile(`^(?:(?:EGP|USD|EUR|GBP|SAR|ج\.?م\.?)\s*)?-?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?(?:\s*(?:EGP|USD|EUR|GBP|SAR|ج\.?م\.?|جنيه))?$`)
	dateShape   = regexp.MustCompile(`^\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4}(?:[ T].*)?$`)
)

// FormatAmount renders an amount with two decimals and no grouping.
// Empty input stays empty; text without a number is returned trimmed.
// Formatting an already formatted amount yields the same string.
func FormatAmount(s string) string {
	s = Text(FoldDigits(s))
	if s == "" {
		return ""
	}
	tok := amountToken.FindString(strings.ReplaceAll(s, ",", ""))
	if tok == "" {
		return s
	}
	d, err := decimal.NewFromString(tok)
	if err != nil {
		return s
	}
	return d.StringFixed(2)
}

// ParseAmount returns the decimal value of an amount string.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = Text(FoldDigits(s))
	tok := amountToken.FindString(strings.ReplaceAll(s, ",", ""))
	if tok == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(tok)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// IsAmount reports whether s looks like a decimal money amount, optionally
// with a currency prefix or suffix.
func IsAmount(s string) bool {
	return amountShape.MatchString(Text(FoldDigits(s)))
}

// IsNumeric is IsAmount without the decimal point requirement.
func IsNumeric(s string) bool {
	return numberShape.MatchString(Text(FoldDigits(s)))
}

// IsDate reports whether s starts with a numeric date.
func IsDate(s string) bool {
	return dateShape.MatchString(Text(FoldDigits(s)))
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2/1/2006 3:04:05 PM",
	"2/1/2006 3:04 PM",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2006/1/2",
}

// FormatDate renders a date as dd/mm/yyyy. Slash dates are read day first,
// as the portal prints them. Unparseable input is returned trimmed.
func FormatDate(s string) string {
	s = Text(FoldDigits(s))
	if s == "" {
		return ""
	}
	candidates := []string{s}
	if i := strings.IndexByte(s, ' '); i > 0 {
		candidates = append(candidates, s[:i])
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t.Format(DateLayout)
			}
		}
	}
	return s
}

var statusCodes = map[string]string{
	"valid":       "Valid",
	"صالحة":       "Valid",
	"صالح":        "Valid",
	"invalid":     "Invalid",
	"غير صالحة":   "Invalid",
	"غير صالح":    "Invalid",
	"rejected":    "Rejected",
	"مرفوضة":      "Rejected",
	"مرفوض":       "Rejected",
	"cancelled":   "Cancelled",
	"canceled":    "Cancelled",
	"ملغاة":       "Cancelled",
	"ملغي":        "Cancelled",
	"submitted":   "Submitted",
	"مقدمة":       "Submitted",
	"مقدم":        "Submitted",
	"in progress": "Submitted",
}

// Status maps a bilingual portal status label to its status code.
// Unknown labels are returned trimmed.
func Status(s string) string {
	s = Text(s)
	if code, ok := statusCodes[strings.ToLower(s)]; ok {
		return code
	}
	return s
}

// SplitInclusive derives the VAT and net parts of a VAT-inclusive total:
// vat = total * rate / (1 + rate), net = total - vat.
//
// The rate is the tax regime's policy, not a universal constant; callers
// pass the configured value.
func SplitInclusive(total string, rate decimal.Decimal) (vat, net string, ok bool) {
	t, ok := ParseAmount(total)
	if !ok {
		return "", "", false
	}
	v := t.Mul(rate).Div(decimal.NewFromInt(1).Add(rate)).Round(2)
	return v.StringFixed(2), t.Sub(v).StringFixed(2), true
}

// Difference returns a - b formatted as an amount.
func Difference(a, b string) (string, bool) {
	x, ok := ParseAmount(a)
	if !ok {
		return "", false
	}
	y, ok := ParseAmount(b)
	if !ok {
		return "", false
	}
	return x.Sub(y).StringFixed(2), true
}
