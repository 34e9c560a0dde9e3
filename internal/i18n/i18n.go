// Package i18n holds the user-facing messages in Arabic and English.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	ProgressPages     = "progress.pages"
	ProgressDetails   = "progress.details"
	ProgressStarted   = "progress.started"
	ErrTableNotFound  = "error.tableNotFound"
	ErrReload         = "error.reload"
	ErrUnknownAction  = "error.unknownAction"
	ErrInternal       = "error.internal"
	ErrNoInvoices     = "error.noInvoices"
	ErrInvalidMode    = "error.invalidMode"
	ErrInvalidBatch   = "error.invalidBatch"
	ErrMissingInvoice = "error.missingInvoice"
	ExportDone        = "export.done"
)

var supported = []language.Tag{language.Arabic, language.English}

var matcher = language.NewMatcher(supported)

var entries = map[string][2]string{
	ProgressPages:     {"تم تحميل %d من %d صفحة", "Loaded %d of %d pages"},
	ProgressDetails:   {"تم تحميل تفاصيل %d من %d فاتورة", "Loaded details for %d of %d invoices"},
	ProgressStarted:   {"جاري تحميل %d صفحة", "Loading %d pages"},
	ErrTableNotFound:  {"لم يتم العثور على جدول الفواتير في الصفحة. افتح قائمة المستندات وحاول مرة أخرى.", "No invoice table was found on the page. Open the documents list and try again."},
	ErrReload:         {"تعذر الاتصال بالصفحة. يرجى إعادة تحميل الصفحة والمحاولة مرة أخرى.", "Could not reach the portal page. Reload the page and try again."},
	ErrUnknownAction:  {"إجراء غير معروف: %s", "Unknown action: %s"},
	ErrInternal:       {"حدث خطأ غير متوقع أثناء قراءة الفواتير.", "An unexpected error occurred while reading invoices."},
	ErrNoInvoices:     {"لم يتم العثور على فواتير في الجدول.", "No invoices were found in the table."},
	ErrInvalidMode:    {"وضع أداء غير معروف: %s", "Unknown performance mode: %s"},
	ErrInvalidBatch:   {"حجم الدفعة يجب أن يكون 1 على الأقل، القيمة: %d", "Batch size must be at least 1, got %d"},
	ErrMissingInvoice: {"رقم الفاتورة مطلوب.", "An invoice number is required."},
	ExportDone:        {"تم تصدير %d فاتورة إلى %s", "Exported %d invoices to %s"},
}

var cat = newCatalog()

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.Arabic))
	for key, m := range entries {
		if err := b.SetString(language.Arabic, key, m[0]); err != nil {
			panic(err)
		}
		if err := b.SetString(language.English, key, m[1]); err != nil {
			panic(err)
		}
	}
	return b
}

// Tag returns the supported language closest to lang. Arabic is the default.
func Tag(lang string) language.Tag {
	t, err := language.Parse(lang)
	if err != nil {
		return language.Arabic
	}
	_, idx, _ := matcher.Match(t)
	return supported[idx]
}

// Printer returns a message printer for lang.
func Printer(lang string) *message.Printer {
	return message.NewPrinter(Tag(lang), message.Catalog(cat))
}

// Message formats the message key in lang.
func Message(lang, key string, args ...any) string {
	return Printer(lang).Sprintf(key, args...)
}
