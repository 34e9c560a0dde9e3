package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestTag(t *testing.T) {
	assert.Equal(t, language.Arabic, Tag("ar-EG"))
	assert.Equal(t, language.English, Tag("en-US"))
	assert.Equal(t, language.Arabic, Tag("fr"))
	assert.Equal(t, language.Arabic, Tag("??"))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Loaded 3 of 7 pages", Message("en", ProgressPages, 3, 7))
	assert.Equal(t, "Unknown action: fly", Message("en", ErrUnknownAction, "fly"))
	assert.Equal(t, "لم يتم العثور على فواتير في الجدول.", Message("ar", ErrNoInvoices))
	assert.Contains(t, Message("", ErrReload), "إعادة تحميل الصفحة")
}
