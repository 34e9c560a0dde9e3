package command

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etaexport/internal/aggregate"
	"etaexport/internal/extractor"
	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
	"etaexport/internal/portaltest"
	"etaexport/internal/session"
	"etaexport/internal/traversal"
)

func newDispatcher(p *portaltest.Portal) *Dispatcher {
	e := traversal.New(p, extractor.New("https://invoicing.eta.gov.eg", normalize.DefaultVATRate))
	e.PollInterval = time.Millisecond
	e.PageTimeout = 40 * time.Millisecond
	e.Settle = 0
	e.BatchDelay = 0
	c := aggregate.New(p, e, nil, time.Minute)
	return NewDispatcher(c, &session.State{}, traversal.Balanced, "en")
}

func TestPing(t *testing.T) {
	resp := newDispatcher(portaltest.NewPortal(1, 1)).Handle(context.Background(), Request{Action: Ping})
	assert.True(t, resp.Success)
	assert.True(t, resp.Ready)
}

func TestGetInvoiceDataUsesOwnedState(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	d := newDispatcher(p)

	resp := d.Handle(context.Background(), Request{Action: GetInvoiceData})
	require.True(t, resp.Success, resp.Error)
	res := resp.Data.(invoice.Result)
	assert.Len(t, res.Invoices, 2)
	at := d.State.ScannedAt()

	resp = d.Handle(context.Background(), Request{Action: GetInvoiceData})
	require.True(t, resp.Success)
	assert.Equal(t, at, d.State.ScannedAt())

	require.NoError(t, p.Click(context.Background(), `a[href="?page=2"]`))
	resp = d.Handle(context.Background(), Request{Action: GetInvoiceData})
	require.True(t, resp.Success)
	assert.Equal(t, portaltest.RowFor(2, 0).Electronic, resp.Data.(invoice.Result).Invoices[0].ElectronicNumber)

	resp = d.Handle(context.Background(), Request{Action: RescanPage})
	require.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data.(invoice.Result).CurrentPage)
}

func TestGetAllPagesData(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	d := newDispatcher(p)

	resp := d.Handle(context.Background(), Request{Action: GetAllPagesData, Options: &ScanOptions{Mode: "fast"}})
	require.True(t, resp.Success, resp.Error)
	res := resp.Data.(invoice.Result)
	assert.Len(t, res.Invoices, 6)
	assert.Equal(t, 5, d.Controller.Engine.BatchSize)

	resp = d.Handle(context.Background(), Request{Action: GetAllPagesData, Options: &ScanOptions{Mode: "turbo"}})
	assert.False(t, resp.Success)
	assert.Equal(t, "Unknown performance mode: turbo", resp.Error)
}

func TestGetAllPagesDataWithoutTable(t *testing.T) {
	p := portaltest.NewPortal(1, 1)
	p.Stuck[1] = true
	resp := newDispatcher(p).Handle(context.Background(), Request{Action: GetAllPagesData, Lang: "ar"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "لم يتم العثور على جدول الفواتير")
}

func TestGetInvoiceDataWithoutInvoices(t *testing.T) {
	d := newDispatcher(portaltest.NewPortal(1, 0))

	resp := d.Handle(context.Background(), Request{Action: GetInvoiceData})
	assert.False(t, resp.Success)
	assert.Equal(t, "No invoices were found in the table.", resp.Error)
	_, cached := d.State.Result()
	assert.False(t, cached)

	resp = d.Handle(context.Background(), Request{Action: GetAllPagesData, Lang: "ar"})
	assert.False(t, resp.Success)
	assert.Equal(t, "لم يتم العثور على فواتير في الجدول.", resp.Error)
}

func TestGetInvoiceDetails(t *testing.T) {
	p := portaltest.NewPortal(1, 2)
	d := newDispatcher(p)

	resp := d.Handle(context.Background(), Request{Action: GetInvoiceDetails})
	assert.False(t, resp.Success)
	assert.Equal(t, "An invoice number is required.", resp.Error)

	id := portaltest.RowFor(1, 1).Electronic
	resp = d.Handle(context.Background(), Request{Action: GetInvoiceDetails, InvoiceID: id})
	require.True(t, resp.Success, resp.Error)
	items := resp.Data.([]invoice.LineItem)
	require.Len(t, items, 1)
	assert.Equal(t, id+"-A", items[0].ItemCode)
}

func TestPerformanceSettings(t *testing.T) {
	d := newDispatcher(portaltest.NewPortal(1, 1))

	resp := d.Handle(context.Background(), Request{Action: SetPerformance, Mode: "safe"})
	require.True(t, resp.Success)
	assert.Equal(t, traversal.Conservative, d.Mode())

	resp = d.Handle(context.Background(), Request{Action: SetPerformance, Mode: "warp"})
	assert.False(t, resp.Success)
	assert.Equal(t, traversal.Conservative, d.Mode())

	assert.True(t, d.Handle(context.Background(), Request{Action: AdjustBatchSize, NewSize: 4}).Success)

	resp = d.Handle(context.Background(), Request{Action: AdjustBatchSize})
	assert.False(t, resp.Success)
	assert.Equal(t, "Batch size must be at least 1, got 0", resp.Error)

	resp = d.Handle(context.Background(), Request{Action: AdjustBatchSize, NewSize: -2, Lang: "ar"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "حجم الدفعة")
	assert.NotContains(t, resp.Error, "وضع أداء")
}

func TestUnknownAction(t *testing.T) {
	resp := newDispatcher(portaltest.NewPortal(1, 1)).Handle(context.Background(), Request{Action: "explode"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Unknown action: explode", resp.Error)
}

func post(t *testing.T, body, token string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, CommandsPath, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestServer(t *testing.T) {
	app := NewServer(newDispatcher(portaltest.NewPortal(1, 1)), ServerConfig{})

	resp, err := app.Test(post(t, `{"action":"ping"}`, ""), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var reply Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.True(t, reply.Success)
	assert.True(t, reply.Ready)

	resp, err = app.Test(post(t, `{`, ""), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok","mode":"balanced"}`, string(body))
}

func TestServerAuth(t *testing.T) {
	app := NewServer(newDispatcher(portaltest.NewPortal(1, 1)), ServerConfig{Secret: "s3cret"})

	resp, err := app.Test(post(t, `{"action":"ping"}`, ""), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad, err := Sign("other", time.Minute)
	require.NoError(t, err)
	resp, err = app.Test(post(t, `{"action":"ping"}`, bad), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good, err := Sign("s3cret", time.Minute)
	require.NoError(t, err)
	resp, err = app.Test(post(t, `{"action":"ping"}`, good), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			io.WriteString(w, "upstream down")
			return
		}
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, Ping, req.Action)
		io.WriteString(w, `{"success":true,"ready":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = time.Millisecond
	reply, err := c.Send(context.Background(), Request{Action: Ping})
	require.NoError(t, err)
	assert.True(t, reply.Ready)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"success":false,"error":"Unknown action: x"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.Backoff = time.Millisecond
	_, err := c.Send(context.Background(), Request{Action: "x"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Unknown action: x")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	c.Backoff = time.Millisecond
	c.Lang = "en"
	_, err := c.Send(context.Background(), Request{Action: Ping})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, "Could not reach the portal page. Reload the page and try again.", err.Error())
	assert.NotContains(t, err.Error(), "connection refused")
	assert.NotContains(t, err.Error(), "dial")
}
