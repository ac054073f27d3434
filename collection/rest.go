package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
)

// RESTStore talks to a PostgREST-compatible endpoint: one resource per
// collection, filters as column=op.value query parameters.
type RESTStore struct {
	baseURL string
	apiKey  string
	client  *httpclient.SaferClient
}

// NewRESTStore creates a store rooted at baseURL (for example
// https://project.example.co/rest/v1).
func NewRESTStore(baseURL, apiKey string, client *httpclient.SaferClient) *RESTStore {
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

func (s *RESTStore) headers(prefer ...string) http.Header {
	h := http.Header{}
	if s.apiKey != "" {
		h.Set("apikey", s.apiKey)
		h.Set("Authorization", "Bearer "+s.apiKey)
	}
	if len(prefer) > 0 {
		h.Set("Prefer", strings.Join(prefer, ","))
	}
	return h
}

func (s *RESTStore) resource(collection string, q url.Values) (string, error) {
	if err := validIdent(collection); err != nil {
		return "", err
	}
	u := s.baseURL + "/" + collection
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u, nil
}

// query renders filter conditions in PostgREST syntax.
func query(f Filter) (url.Values, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	for _, c := range f.Conditions {
		switch c.Op {
		case OpIsNull:
			q.Add(c.Column, "is.null")
		case OpIn:
			values := c.Value.([]any)
			parts := make([]string, 0, len(values))
			for _, v := range values {
				s, err := restValue(v)
				if err != nil {
					return nil, err
				}
				parts = append(parts, `"`+strings.ReplaceAll(s, `"`, `\"`)+`"`)
			}
			q.Add(c.Column, "in.("+strings.Join(parts, ",")+")")
		default:
			if c.Value == nil && (c.Op == OpEq || c.Op == OpNeq) {
				if c.Op == OpEq {
					q.Add(c.Column, "is.null")
				} else {
					q.Add(c.Column, "not.is.null")
				}
				continue
			}
			s, err := restValue(c.Value)
			if err != nil {
				return nil, err
			}
			q.Add(c.Column, string(c.Op)+"."+s)
		}
	}
	if len(f.Orders) > 0 {
		orders := make([]string, 0, len(f.Orders))
		for _, o := range f.Orders {
			dir := ".asc"
			if o.Desc {
				dir = ".desc"
			}
			orders = append(orders, o.Column+dir)
		}
		q.Set("order", strings.Join(orders, ","))
	}
	if f.MaxRows > 0 {
		q.Set("limit", fmt.Sprint(f.MaxRows))
	}
	return q, nil
}

func restValue(v any) (string, error) {
	nv, err := normalizeValue(v)
	if err != nil {
		return "", err
	}
	if nv == nil {
		return "null", nil
	}
	return fmt.Sprint(nv), nil
}

func normalizeRow(row Row) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if err := validIdent(k); err != nil {
			return nil, err
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// decodeRows converts JSON numbers to int64 where they are whole, float64 otherwise.
func decodeRows(raw []map[string]any) []Row {
	rows := make([]Row, 0, len(raw))
	for _, r := range raw {
		row := make(Row, len(r))
		for k, v := range r {
			if n, ok := v.(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					row[k] = i
				} else if f, err := n.Float64(); err == nil {
					row[k] = f
				} else {
					row[k] = n.String()
				}
				continue
			}
			switch v.(type) {
			case map[string]any, []any:
				// JSON columns come back as structures; keep the text form
				encoded, _ := json.Marshal(v)
				row[k] = string(encoded)
			default:
				row[k] = v
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (s *RESTStore) wrap(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	if se, ok := httpclient.AsStatusError(err); ok {
		switch {
		case se.StatusCode == http.StatusConflict:
			return errors.Mark(wrapped, errors.ErrConflict)
		case se.StatusCode == http.StatusNotFound:
			return errors.Mark(wrapped, errors.ErrNotFound)
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return errors.Mark(wrapped, errors.ErrUnauthorized)
		case se.Retryable():
			return errors.Mark(wrapped, errors.ErrServiceUnavailable)
		}
	}
	return wrapped
}

// Select returns the rows matching filter.
func (s *RESTStore) Select(ctx context.Context, collection string, f Filter) ([]Row, error) {
	q, err := query(f)
	if err != nil {
		return nil, err
	}
	q.Set("select", "*")
	u, err := s.resource(collection, q)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := s.client.DoJSON(ctx, http.MethodGet, u, s.headers(), nil, &raw); err != nil {
		return nil, s.wrap(err, "select from %s", collection)
	}
	return decodeRows(raw), nil
}

// Insert adds one row. HTTP 409 is marked ErrConflict.
func (s *RESTStore) Insert(ctx context.Context, collection string, row Row) error {
	body, err := normalizeRow(row)
	if err != nil {
		return err
	}
	u, err := s.resource(collection, nil)
	if err != nil {
		return err
	}
	if err := s.client.DoJSON(ctx, http.MethodPost, u, s.headers("return=minimal"), []map[string]any{body}, nil); err != nil {
		return s.wrap(err, "insert into %s", collection)
	}
	return nil
}

// Patch updates matching rows and returns how many the server changed.
func (s *RESTStore) Patch(ctx context.Context, collection string, f Filter, partial Row) (int64, error) {
	if len(f.Conditions) == 0 {
		return 0, errors.NewInvalidRequestError("refusing to patch every row of %s", collection)
	}
	q, err := query(f)
	if err != nil {
		return 0, err
	}
	body, err := normalizeRow(partial)
	if err != nil {
		return 0, err
	}
	u, err := s.resource(collection, q)
	if err != nil {
		return 0, err
	}
	var changed []map[string]any
	if err := s.client.DoJSON(ctx, http.MethodPatch, u, s.headers("return=representation"), body, &changed); err != nil {
		return 0, s.wrap(err, "patch %s", collection)
	}
	return int64(len(changed)), nil
}

// Bulk posts rows in one request; with OnConflict the server merges duplicates.
func (s *RESTStore) Bulk(ctx context.Context, collection string, opts BulkOptions, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	body := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		nr, err := normalizeRow(r)
		if err != nil {
			return err
		}
		body = append(body, nr)
	}

	q := url.Values{}
	prefer := []string{"return=minimal"}
	if len(opts.OnConflict) > 0 {
		for _, c := range opts.OnConflict {
			if err := validIdent(c); err != nil {
				return err
			}
		}
		q.Set("on_conflict", strings.Join(opts.OnConflict, ","))
		prefer = append(prefer, "resolution=merge-duplicates")
	}
	u, err := s.resource(collection, q)
	if err != nil {
		return err
	}
	if err := s.client.DoJSON(ctx, http.MethodPost, u, s.headers(prefer...), body, nil); err != nil {
		return s.wrap(err, "bulk write into %s", collection)
	}
	return nil
}
