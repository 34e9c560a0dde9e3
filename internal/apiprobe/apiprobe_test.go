package apiprobe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storage struct {
	local, session, cookies map[string]string
}

func (s storage) LocalStorage(context.Context) (map[string]string, error)   { return s.local, nil }
func (s storage) SessionStorage(context.Context) (map[string]string, error) { return s.session, nil }
func (s storage) Cookies(context.Context) (map[string]string, error)        { return s.cookies, nil }

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "taxpayer",
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestIsListingCall(t *testing.T) {
	assert.True(t, IsListingCall("https://api.invoicing.eta.gov.eg/api/v1/documents/recent?pageNo=1"))
	assert.True(t, IsListingCall("https://x.test/api/invoices/search"))
	assert.False(t, IsListingCall("https://x.test/api/v1/documents/abc/details"))
	assert.False(t, IsListingCall("https://x.test/api/v1/documents/abc/pdf"))
	assert.False(t, IsListingCall("https://x.test/documents?page=2"))
	assert.False(t, IsListingCall("https://x.test/api/v1/profile"))
}

func TestObserveGet(t *testing.T) {
	p := New(nil, time.Millisecond, 1)
	assert.False(t, p.Observe("https://x.test/api/v1/profile", "GET", nil, ""))
	assert.False(t, p.Ready())

	ok := p.Observe("https://x.test/api/v1/documents/recent?PageNo=1&PageSize=10", "get",
		map[string]string{"authorization": "Bearer abc.def"}, "")
	require.True(t, ok)
	assert.True(t, p.Ready())
	assert.Equal(t, "abc.def", p.Token())

	p.mu.RLock()
	ep := p.endpoint
	p.mu.RUnlock()
	assert.Equal(t, http.MethodGet, ep.Method)
	assert.Equal(t, "PageNo", ep.PageParam)
	assert.Equal(t, "PageSize", ep.SizeParam)
}

func TestObservePost(t *testing.T) {
	p := New(nil, time.Millisecond, 1)
	require.True(t, p.Observe("https://x.test/api/v1/documents/search", "POST", nil, `{"pageNumber":1,"limit":20,"status":"Valid"}`))

	p.mu.RLock()
	ep := p.endpoint
	p.mu.RUnlock()
	assert.Equal(t, "pageNumber", ep.PageParam)
	assert.Equal(t, "limit", ep.SizeParam)

	assert.False(t, p.Observe("https://x.test/api/v1/documents/search", "POST", nil, `not json`))
}

func TestDiscoverToken(t *testing.T) {
	expired := signed(t, time.Now().Add(-time.Hour))
	valid := signed(t, time.Now().Add(time.Hour))

	p := New(nil, time.Millisecond, 1)
	tok, ok := p.DiscoverToken(context.Background(), storage{
		local:   map[string]string{"auth_token": expired, "theme": "dark"},
		session: map[string]string{"userSession": `{"access_token":"` + valid + `"}`},
	})
	require.True(t, ok)
	assert.Equal(t, valid, tok)
	assert.Equal(t, valid, p.Token())

	p = New(nil, time.Millisecond, 1)
	_, ok = p.DiscoverToken(context.Background(), storage{
		local:   map[string]string{"token": expired},
		cookies: map[string]string{"lang": "ar"},
	})
	assert.False(t, ok)

	p = New(nil, time.Millisecond, 1)
	tok, ok = p.DiscoverToken(context.Background(), storage{cookies: map[string]string{"session": "opaque-value"}})
	require.True(t, ok)
	assert.Equal(t, "opaque-value", tok)
}

func TestFetchPageGet(t *testing.T) {
	var seen url.Values
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"result": [
				{"uuid": "ABC123DEF456GHI789JKL0", "internalId": "INV-1", "typeName": "I",
				 "status": "Valid", "dateTimeIssued": "2024-01-05T10:00:00Z",
				 "total": 1140, "totalSales": 1000,
				 "issuer": {"id": "100200300", "name": "Seller Co"},
				 "receiverName": "Buyer Co", "longId": "LONG1"},
				{"Status": "Valid"}
			],
			"metadata": {"totalCount": 120, "totalPages": 3}
		}`)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Millisecond, 1)
	p.PageSize = 50
	require.True(t, p.Observe(srv.URL+"/api/v1/documents/recent?page=1", "GET", map[string]string{"Authorization": "Bearer tkn"}, ""))

	recs, meta, err := p.FetchPage(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "2", seen.Get("page"))
	assert.Equal(t, "50", seen.Get("pageSize"))
	assert.Equal(t, "dateTimeReceived", seen.Get("sortBy"))
	assert.Equal(t, "Bearer tkn", auth)
	assert.Equal(t, Meta{TotalCount: 120, TotalPages: 3}, meta)

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "ABC123DEF456GHI789JKL0", r.ElectronicNumber)
	assert.Equal(t, "INV-1", r.InternalNumber)
	assert.Equal(t, "Valid", r.Status)
	assert.Equal(t, "05/01/2024", r.IssueDate)
	assert.Equal(t, "1140.00", r.TotalAmount)
	assert.Equal(t, "1000.00", r.InvoiceValue)
	assert.Equal(t, "140.00", r.VATAmount)
	assert.Equal(t, "100200300", r.SellerTaxNumber)
	assert.Equal(t, "Seller Co", r.SellerName)
	assert.Equal(t, "Buyer Co", r.BuyerName)
	assert.Equal(t, "EGP", r.Currency)
	assert.Equal(t, "https://invoicing.eta.gov.eg/documents/ABC123DEF456GHI789JKL0/share/LONG1", r.ExternalLink)
}

func TestFetchPagePost(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `[{"electronicNumber": "E-1", "totalAmount": "114.00", "vatAmount": "14.00"}]`)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Millisecond, 1)
	require.True(t, p.Observe(srv.URL+"/api/invoices/search", "POST", nil, `{"pageNo":1,"size":10,"sortBy":"id"}`))

	recs, _, err := p.FetchPage(context.Background(), 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, body["pageNo"])
	assert.EqualValues(t, 50, body["size"])
	assert.Equal(t, "id", body["sortBy"])
	assert.Equal(t, "desc", body["sortOrder"])

	require.Len(t, recs, 1)
	assert.Equal(t, "100.00", recs[0].InvoiceValue)
}

func TestFetchPageErrors(t *testing.T) {
	p := New(nil, time.Millisecond, 1)
	_, _, err := p.FetchPage(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			io.WriteString(w, `{"message": "ok"}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p = New(srv.Client(), time.Millisecond, 1)
	require.True(t, p.Observe(srv.URL+"/api/v1/documents/recent", "GET", nil, ""))
	_, _, err = p.FetchPage(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	_, _, err = p.FetchPage(context.Background(), 2, 0)
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestParseListingShapes(t *testing.T) {
	items, meta, err := ParseListing([]byte(`{"data": {"items": [{"uuid": "a"}, 3], "totalElements": 7, "size": 5}}`))
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, Meta{TotalCount: 7, PageSize: 5}, meta)

	items, _, err = ParseListing([]byte(`{"Documents": [{"uuid": "a"}, {"uuid": "b"}]}`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, _, err = ParseListing([]byte(`"text"`))
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestFetchDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/documents/E-1/details", r.URL.Path)
		io.WriteString(w, `{"document": {"invoiceLines": [
			{"itemCode": "ITEM-1", "description": "Widget", "unitType": "EA", "quantity": 2,
			 "unitValue": {"amountEGP": 50}, "salesTotal": 100, "total": 114,
			 "taxableItems": [{"taxType": "T1", "amount": 14}, {"taxType": "T4", "amount": 1}]}
		]}}`)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Millisecond, 1)
	require.True(t, p.Observe(srv.URL+"/api/v1/documents/recent?page=1", "GET", nil, ""))

	items, err := p.FetchDetails(context.Background(), "E-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ITEM-1", items[0].ItemCode)
	assert.Equal(t, "2", items[0].Quantity)
	assert.Equal(t, "50.00", items[0].UnitPrice)
	assert.Equal(t, "100.00", items[0].TotalValue)
	assert.Equal(t, "14.00", items[0].VATAmount)
	assert.Equal(t, "114.00", items[0].TotalWithVAT)
}

func TestDetailsURL(t *testing.T) {
	u, _ := url.Parse("https://api.x.test/api/v1/documents/recent?page=3")
	got, err := DetailsURL(u, "ABC")
	require.NoError(t, err)
	assert.Equal(t, "https://api.x.test/api/v1/documents/ABC/details", got)

	u, _ = url.Parse("https://api.x.test/api/v1/search")
	_, err = DetailsURL(u, "ABC")
	assert.ErrorIs(t, err, ErrNoEndpoint)
}
