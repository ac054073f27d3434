// Package collection is the narrow store contract the pipeline core runs
// on: filtered select, insert under a uniqueness constraint, filtered patch
// for compare-and-set, and bulk upsert. SQLStore serves it from sqlite or
// postgres; RESTStore from a PostgREST-style HTTP endpoint.
package collection

import (
	"context"
	"encoding/json"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/errors"
)

// Store is implemented by every collection backend.
//
// Insert returns an error marked with errors.ErrConflict when the row
// violates a uniqueness constraint. Patch applies partial to every row
// matching the filter and returns how many rows changed; a status guard in
// the filter turns it into a compare-and-set.
type Store interface {
	Select(ctx context.Context, collection string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, collection string, row Row) error
	Patch(ctx context.Context, collection string, filter Filter, partial Row) (int64, error)
	Bulk(ctx context.Context, collection string, opts BulkOptions, rows []Row) error
}

// BulkOptions selects between plain insert and upsert for Bulk.
type BulkOptions struct {
	// OnConflict names the unique columns; when set, conflicting rows are
	// updated in place instead of failing the batch.
	OnConflict []string
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

// Condition is a single column comparison.
type Condition struct {
	Column string
	Op     Op
	Value  any
}

// Order sorts results by a column.
type Order struct {
	Column string
	Desc   bool
}

// Filter is an AND of conditions plus ordering and a row limit.
// Methods return a new Filter, so a base filter can be shared.
type Filter struct {
	Conditions []Condition
	Orders     []Order
	MaxRows    int
}

// Eq starts a filter with column = value.
func Eq(column string, value any) Filter {
	return Filter{}.Eq(column, value)
}

func (f Filter) with(c Condition) Filter {
	f.Conditions = append(slices.Clip(f.Conditions), c)
	return f
}

func (f Filter) Eq(column string, value any) Filter  { return f.with(Condition{column, OpEq, value}) }
func (f Filter) Neq(column string, value any) Filter { return f.with(Condition{column, OpNeq, value}) }
func (f Filter) Lt(column string, value any) Filter  { return f.with(Condition{column, OpLt, value}) }
func (f Filter) Lte(column string, value any) Filter { return f.with(Condition{column, OpLte, value}) }
func (f Filter) Gt(column string, value any) Filter  { return f.with(Condition{column, OpGt, value}) }
func (f Filter) Gte(column string, value any) Filter { return f.with(Condition{column, OpGte, value}) }
func (f Filter) IsNull(column string) Filter         { return f.with(Condition{column, OpIsNull, nil}) }

// In matches any of the values. An empty list matches nothing.
func (f Filter) In(column string, values ...any) Filter {
	return f.with(Condition{column, OpIn, values})
}

// OrderBy appends a sort column.
func (f Filter) OrderBy(column string, desc bool) Filter {
	f.Orders = append(slices.Clip(f.Orders), Order{column, desc})
	return f
}

// Limit caps the number of rows returned. Zero means no limit.
func (f Filter) Limit(n int) Filter {
	f.MaxRows = n
	return f
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validIdent guards every collection and column name that reaches SQL or a URL.
func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return errors.NewInvalidRequestError("invalid identifier %q", name)
	}
	return nil
}

func (f Filter) validate() error {
	for _, c := range f.Conditions {
		if err := validIdent(c.Column); err != nil {
			return err
		}
		switch c.Op {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIsNull:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return errors.NewInvalidRequestError("in condition on %s needs a value list", c.Column)
			}
		default:
			return errors.NewInvalidRequestError("unknown operator %q", c.Op)
		}
	}
	for _, o := range f.Orders {
		if err := validIdent(o.Column); err != nil {
			return err
		}
	}
	if f.MaxRows < 0 {
		return errors.NewInvalidRequestError("negative limit %d", f.MaxRows)
	}
	return nil
}

// Row is one record keyed by column name.
type Row map[string]any

// String returns the column as a string, or "" when absent or NULL.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// Int returns the column as an int64, or 0 when absent or not numeric.
func (r Row) Int(column string) int64 {
	switch v := r[column].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Time parses a timestamp column, returning nil when absent or invalid.
func (r Row) Time(column string) *time.Time {
	s := r.String(column)
	if s == "" {
		return nil
	}
	t, err := db.ParseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

// normalizeValue converts Go values into the column representation shared
// by every backend: timestamps as TimeLayout strings, JSON as text.
func normalizeValue(v any) (any, error) {
	switch typed := v.(type) {
	case time.Time:
		return db.FormatTime(typed), nil
	case *time.Time:
		if typed == nil {
			return nil, nil
		}
		return db.FormatTime(*typed), nil
	case json.RawMessage:
		return string(typed), nil
	case []byte:
		return string(typed), nil
	case nil, string, bool, int, int32, int64, float32, float64:
		return typed, nil
	default:
		// Maps, slices and structs land in TEXT columns as JSON
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode value of type %T", v)
		}
		return string(encoded), nil
	}
}

func sortedColumns(row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if err := validIdent(c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols, nil
}
