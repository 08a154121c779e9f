package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sheetsync/internal/syncerr"
	"sheetsync/pkg/records"
)

// IDField is the record id field Ragic adds to every record.
const IDField = "_ragicId"

// Config configures the Ragic client.
//
// Zero values are given sensible defaults:
//   - BaseURL:           https://www.ragic.com
//   - Timeout:           30s
//   - RequestsPerSecond: unlimited
//   - Naming:            "default" (field names instead of field ids)
type Config struct {
	BaseURL string
	Account string
	APIKey  string

	// Timeout is the per-request timeout applied at the http.Client level.
	Timeout time.Duration

	// RequestsPerSecond throttles requests; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	Naming string

	// BaseHeaders are added to every request.
	BaseHeaders http.Header

	// Transport is an optional custom RoundTripper, mainly for tests.
	Transport http.RoundTripper

	Logger logrus.FieldLogger
}

// Client talks to the Ragic HTTP API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	account     string
	apiKey      string
	naming      string
	baseHeaders http.Header
	limiter     *rate.Limiter
	log         logrus.FieldLogger
}

var _ Source = (*Client)(nil)

// NewClient constructs a Client from Config, applying defaults for zero values.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Account) == "" {
		return nil, &syncerr.ConfigurationError{Subject: "source.account", Err: errors.New("must not be empty")}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &syncerr.ConfigurationError{Subject: "source.api_key", Err: errors.New("must not be empty")}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.ragic.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Naming == "" {
		cfg.Naming = "default"
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	hdr := http.Header{}
	for k, vs := range cfg.BaseHeaders {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		account:     cfg.Account,
		apiKey:      cfg.APIKey,
		naming:      cfg.Naming,
		baseHeaders: hdr,
		limiter:     limiter,
		log:         cfg.Logger,
	}, nil
}

// ListPage fetches up to limit records starting at offset, in the sheet's
// natural order.
func (c *Client) ListPage(ctx context.Context, locator string, offset, limit int, filter *Filter) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("source: limit must be > 0, got %d", limit)
	}
	q := url.Values{}
	q.Set("api", "")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("naming", c.naming)
	for _, w := range whereClauses(filter) {
		q.Add("where", w)
	}

	op := fmt.Sprintf("list %s offset=%d", locator, offset)
	recs, err := c.get(ctx, op, c.sheetURL(locator), q)
	if err != nil {
		return Page{}, err
	}
	c.log.WithFields(logrus.Fields{"locator": locator, "offset": offset, "records": len(recs)}).Debug("source: page fetched")
	return Page{Records: recs, HasMore: len(recs) >= limit}, nil
}

// GetOne fetches a single record by id.
func (c *Client) GetOne(ctx context.Context, locator, recordID string) (records.Record, error) {
	q := url.Values{}
	q.Set("api", "")
	q.Set("naming", c.naming)

	op := fmt.Sprintf("get %s/%s", locator, recordID)
	recs, err := c.get(ctx, op, c.sheetURL(locator)+"/"+url.PathEscape(recordID), q)
	if err != nil {
		return records.Record{}, err
	}
	for _, r := range recs {
		if r.ID == recordID {
			return r, nil
		}
	}
	if len(recs) == 1 {
		return recs[0], nil
	}
	return records.Record{}, &syncerr.SourceFatalError{Op: op, StatusCode: http.StatusNotFound, Err: errors.New("record not found")}
}

func (c *Client) sheetURL(locator string) string {
	return c.baseURL + "/" + url.PathEscape(c.account) + "/" + strings.Trim(locator, "/")
}

func (c *Client) get(ctx context.Context, op, rawURL string, q url.Values) ([]records.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	for k, vs := range c.baseHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &syncerr.SourceTransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if isFatalStatus(resp.StatusCode) {
			return nil, &syncerr.SourceFatalError{Op: op, StatusCode: resp.StatusCode, Err: statusErr}
		}
		return nil, &syncerr.SourceTransientError{Op: op, Err: statusErr}
	}

	recs, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, &syncerr.SourceTransientError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return recs, nil
}

// isFatalStatus reports whether a status means retrying cannot help:
// bad credentials, missing permission or an unknown sheet. Everything else
// that is not 200, 429 and 5xx included, is treated as transient.
func isFatalStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// whereClauses renders a Filter in Ragic's "field,op,value" form with
// epoch-millisecond values.
func whereClauses(f *Filter) []string {
	if f == nil || f.Field == "" {
		return nil
	}
	var out []string
	if !f.After.IsZero() {
		out = append(out, fmt.Sprintf("%s,gt,%d", f.Field, f.After.UnixMilli()))
	}
	if !f.Until.IsZero() {
		out = append(out, fmt.Sprintf("%s,lte,%d", f.Field, f.Until.UnixMilli()))
	}
	return out
}

// decodeRecords reads either an object keyed by record id, which is what
// Ragic returns, or an array of objects. Field order is preserved.
func decodeRecords(r io.Reader) ([]records.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		if tok == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected top-level token %v", tok)
	}

	var out []records.Record
	switch delim {
	case '{':
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			rec, err := decodeRecord(dec)
			if err != nil {
				return nil, fmt.Errorf("record %s: %w", key, err)
			}
			rec.ID = key
			if v, ok := rec.Get(IDField); ok && !v.IsEmpty() {
				rec.ID = v.Text()
			}
			out = append(out, rec)
		}
	case '[':
		for dec.More() {
			rec, err := decodeRecord(dec)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", len(out), err)
			}
			if v, ok := rec.Get(IDField); ok {
				rec.ID = v.Text()
			}
			out = append(out, rec)
		}
	default:
		return nil, fmt.Errorf("unexpected delimiter %v", delim)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRecord(dec *json.Decoder) (records.Record, error) {
	tok, err := dec.Token()
	if err != nil {
		return records.Record{}, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return records.Record{}, fmt.Errorf("expected object, got %v", tok)
	}
	var rec records.Record
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return records.Record{}, err
		}
		name, _ := keyTok.(string)
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return records.Record{}, fmt.Errorf("field %q: %w", name, err)
		}
		rec.Fields = append(rec.Fields, records.Field{Name: name, Value: records.FromJSON(raw)})
	}
	if _, err := dec.Token(); err != nil {
		return records.Record{}, err
	}
	return rec, nil
}
