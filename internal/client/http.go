package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/xtxerr/sensorcache/internal/ingestion"
	"github.com/xtxerr/sensorcache/internal/query"
	"github.com/xtxerr/sensorcache/internal/storage/types"
)

// Row is one range query row: "time" plus one member per field observed at
// that timestamp.
type Row map[string]any

// Time returns the row timestamp.
func (r Row) Time() float64 {
	switch t := r[query.TimeKey].(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	}
	return 0
}

// Query runs a range query over HTTP. end 0 means unbounded.
func (c *Client) Query(ctx context.Context, fields []string, start, end float64) ([]Row, error) {
	body, err := json.Marshal(query.RangeRequest{Fields: fields, Start: start, End: end})
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := c.do(ctx, http.MethodPost, "/query", nil, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Latest returns the newest sample of each field (all fields when empty).
func (c *Client) Latest(ctx context.Context, fields []string) (map[string]types.Sample, error) {
	q := url.Values{}
	if len(fields) > 0 {
		q.Set("fields", strings.Join(fields, ","))
	}

	var out map[string]types.Sample
	if err := c.do(ctx, http.MethodGet, "/latest", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats summarizes a field over the last seconds (all samples when <= 0).
func (c *Client) Stats(ctx context.Context, field string, seconds float64) (types.Summary, error) {
	q := url.Values{}
	q.Set("field", field)
	if seconds > 0 {
		q.Set("seconds", strconv.FormatFloat(seconds, 'f', -1, 64))
	}

	var out types.Summary
	err := c.do(ctx, http.MethodGet, "/stats", q, nil, &out)
	return out, err
}

// PublishHTTP posts a batch to /publish.
func (c *Client) PublishHTTP(ctx context.Context, batch types.Batch) (ingestion.Result, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return ingestion.Result{}, err
	}

	var res ingestion.Result
	err = c.do(ctx, http.MethodPost, "/publish", nil, body, &res)
	return res, err
}

// do performs one JSON request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	base, err := c.httpBase()
	if err != nil {
		return err
	}
	u := strings.TrimSuffix(base, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Error)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
