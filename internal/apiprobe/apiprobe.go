// Package apiprobe replays the portal's own listing API.
//
// The probe watches the requests the portal tab sends. Once it has seen a
// listing call it can fetch any page of the listing directly, which is much
// faster than driving the page. Every failure is returned to the caller, who
// falls back to reading the rendered page.
package apiprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"etaexport/internal/invoice"
	"etaexport/internal/normalize"
)

var (
	ErrNoEndpoint       = errors.New("no listing endpoint observed")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrUnparseable      = errors.New("unparseable response")
)

// Endpoint is an observed listing call.
type Endpoint struct {
	URL       *url.URL
	Method    string
	PageParam string
	SizeParam string
	Body      map[string]any
}

// Meta is the paging metadata of a listing response.
type Meta struct {
	TotalCount int
	TotalPages int
	PageSize   int
}

// TokenSource exposes the storage areas of the portal tab.
type TokenSource interface {
	LocalStorage(ctx context.Context) (map[string]string, error)
	SessionStorage(ctx context.Context) (map[string]string, error)
	Cookies(ctx context.Context) (map[string]string, error)
}

// Probe discovers and replays the listing API.
type Probe struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	PageSize   int
	SortBy     string
	SortOrder  string
	// ShareBase is the portal address used to build document share links.
	ShareBase string
	VATRate   decimal.Decimal

	mu       sync.RWMutex
	endpoint *Endpoint
	token    string
	logger   zerolog.Logger
}

// New returns a probe that sends at most one request per interval with the
// given burst.
func New(client *http.Client, interval time.Duration, burst int) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Probe{
		HTTPClient: client,
		Limiter:    rate.NewLimiter(rate.Every(interval), burst),
		PageSize:   50,
		SortBy:     "dateTimeReceived",
		SortOrder:  "desc",
		ShareBase:  "https://invoicing.eta.gov.eg",
		VATRate:    normalize.DefaultVATRate,
		logger:     log.With().Str("component", "apiprobe").Logger(),
	}
}

var (
	pageParamNames = []string{"page", "pageno", "pagenumber", "p"}
	sizeParamNames = []string{"pagesize", "size", "limit", "perpage"}
	detailSegments = []string{"/details", "/raw", "/pdf"}
)

// IsListingCall reports whether rawURL looks like the listing API: an /api/
// path naming documents or invoices that is not a single-document call.
func IsListingCall(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	if !strings.Contains(path, "/api/") {
		return false
	}
	if !strings.Contains(path, "document") && !strings.Contains(path, "invoice") {
		return false
	}
	for _, s := range detailSegments {
		if strings.Contains(path, s) {
			return false
		}
	}
	return true
}

// Observe inspects a request sent by the portal tab and remembers it when it
// is a listing call, together with its bearer token.
func (p *Probe) Observe(rawURL, method string, headers map[string]string, body string) bool {
	if !IsListingCall(rawURL) {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ep := &Endpoint{URL: u, Method: strings.ToUpper(method)}
	if ep.Method == "" {
		ep.Method = http.MethodGet
	}

	var keys []string
	if ep.Method == http.MethodPost && body != "" {
		if err := json.Unmarshal([]byte(body), &ep.Body); err != nil {
			return false
		}
		for k := range ep.Body {
			keys = append(keys, k)
		}
	} else {
		for k := range u.Query() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	ep.PageParam = pick(keys, pageParamNames, "page")
	ep.SizeParam = pick(keys, sizeParamNames, "pageSize")

	p.mu.Lock()
	p.endpoint = ep
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") && strings.HasPrefix(strings.ToLower(v), "bearer ") {
			p.token = strings.TrimSpace(v[len("bearer "):])
		}
	}
	p.mu.Unlock()

	p.logger.Debug().Str("url", u.Redacted()).Str("method", ep.Method).Str("page_param", ep.PageParam).Msg("listing endpoint observed")
	return true
}

func pick(keys, names []string, def string) string {
	for _, name := range names {
		for _, k := range keys {
			if strings.EqualFold(k, name) {
				return k
			}
		}
	}
	return def
}

// Ready reports whether a listing endpoint has been observed.
func (p *Probe) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint != nil
}

// Token returns the bearer token in use.
func (p *Probe) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

var tokenKeys = []string{"token", "auth", "session"}

// DiscoverToken looks for a bearer token in local storage, session storage
// and cookies, in that order, when none was seen on a request. Values stored
// as JSON objects are unwrapped and expired JWTs are skipped.
func (p *Probe) DiscoverToken(ctx context.Context, src TokenSource) (string, bool) {
	if t := p.Token(); t != "" {
		return t, true
	}
	sources := []func(context.Context) (map[string]string, error){src.LocalStorage, src.SessionStorage, src.Cookies}
	for _, read := range sources {
		items, err := read(ctx)
		if err != nil {
			p.logger.Debug().Err(err).Msg("token source unavailable")
			continue
		}
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !matchesAny(strings.ToLower(k), tokenKeys) {
				continue
			}
			if tok := usableToken(items[k], time.Now()); tok != "" {
				p.mu.Lock()
				p.token = tok
				p.mu.Unlock()
				return tok, true
			}
		}
	}
	return "", false
}

func matchesAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func usableToken(v string, now time.Time) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "{") {
		var wrapped map[string]any
		if err := json.Unmarshal([]byte(v), &wrapped); err != nil {
			return ""
		}
		v = ""
		for _, k := range []string{"access_token", "accessToken", "token"} {
			if s, ok := wrapped[k].(string); ok && s != "" {
				v = s
				break
			}
		}
	}
	v = strings.Trim(v, `"`)
	if v == "" || strings.ContainsAny(v, " \t\n") {
		return ""
	}
	if strings.Count(v, ".") == 2 {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(v, claims); err != nil {
			return ""
		}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(now) {
			return ""
		}
	}
	return v
}

// FetchPage requests page n of the listing with size documents per page. A
// size of zero uses the probe's PageSize.
func (p *Probe) FetchPage(ctx context.Context, n, size int) ([]invoice.Record, Meta, error) {
	p.mu.RLock()
	ep, token := p.endpoint, p.token
	p.mu.RUnlock()
	if ep == nil {
		return nil, Meta{}, ErrNoEndpoint
	}

	if size <= 0 {
		size = p.PageSize
	}
	req, err := p.pageRequest(ctx, ep, n, size)
	if err != nil {
		return nil, Meta{}, err
	}
	data, err := p.do(req, token)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("page %d: %w", n, err)
	}
	items, meta, err := ParseListing(data)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("page %d: %w", n, err)
	}
	records := make([]invoice.Record, 0, len(items))
	for _, it := range items {
		rec := p.record(it)
		if !rec.Valid() {
			continue
		}
		rec.ApplyDefaults()
		records = append(records, rec)
	}
	return records, meta, nil
}

func (p *Probe) pageRequest(ctx context.Context, ep *Endpoint, n, size int) (*http.Request, error) {
	u := *ep.URL
	if ep.Method == http.MethodPost {
		body := make(map[string]any, len(ep.Body)+4)
		for k, v := range ep.Body {
			body[k] = v
		}
		body[ep.PageParam] = n
		if size > 0 {
			body[ep.SizeParam] = size
		}
		if _, ok := body["sortBy"]; !ok && p.SortBy != "" {
			body["sortBy"] = p.SortBy
		}
		if _, ok := body["sortOrder"]; !ok && p.SortOrder != "" {
			body["sortOrder"] = p.SortOrder
		}
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := u.Query()
	q.Set(ep.PageParam, strconv.Itoa(n))
	if size > 0 {
		q.Set(ep.SizeParam, strconv.Itoa(size))
	}
	if p.SortBy != "" && q.Get("sortBy") == "" {
		q.Set("sortBy", p.SortBy)
	}
	if p.SortOrder != "" && q.Get("sortOrder") == "" {
		q.Set("sortOrder", p.SortOrder)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	return req, nil
}

func (p *Probe) do(req *http.Request, token string) ([]byte, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// FetchDetails requests the line items of document id from the details call
// next to the listing endpoint.
func (p *Probe) FetchDetails(ctx context.Context, id string) ([]invoice.LineItem, error) {
	p.mu.RLock()
	ep, token := p.endpoint, p.token
	p.mu.RUnlock()
	if ep == nil {
		return nil, ErrNoEndpoint
	}

	u, err := DetailsURL(ep.URL, id)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	data, err := p.do(req, token)
	if err != nil {
		return nil, fmt.Errorf("details of %s: %w", id, err)
	}
	return ParseDetails(data)
}

// DetailsURL builds <collection>/<id>/details from a listing endpoint such
// as /api/v1/documents/recent.
func DetailsURL(listing *url.URL, id string) (string, error) {
	segs := strings.Split(strings.Trim(listing.Path, "/"), "/")
	cut := -1
	for i, s := range segs {
		ls := strings.ToLower(s)
		if strings.HasPrefix(ls, "document") || strings.HasPrefix(ls, "invoice") {
			cut = i
		}
	}
	if cut < 0 {
		return "", fmt.Errorf("%w: no collection in %s", ErrNoEndpoint, listing.Path)
	}
	u := *listing
	u.RawQuery = ""
	u.Path = "/" + strings.Join(append(segs[:cut+1:cut+1], id, "details"), "/")
	return u.String(), nil
}
