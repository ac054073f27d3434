package collection

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/errors"
)

// SQLStore serves collections as tables of a sqlite or postgres database.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLStore creates a store over an open, migrated database.
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect}
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// whereClause renders the filter starting at bind parameter n+1.
func (s *SQLStore) whereClause(f Filter, n int) (string, []any, error) {
	if len(f.Conditions) == 0 {
		return "", nil, nil
	}
	var (
		parts []string
		args  []any
	)
	next := func(v any) (string, error) {
		nv, err := normalizeValue(v)
		if err != nil {
			return "", err
		}
		n++
		args = append(args, nv)
		return s.dialect.Placeholder(n), nil
	}

	for _, c := range f.Conditions {
		col := s.dialect.QuoteIdent(c.Column)
		switch c.Op {
		case OpIsNull:
			parts = append(parts, col+" IS NULL")
		case OpIn:
			values := c.Value.([]any)
			if len(values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			holders := make([]string, 0, len(values))
			for _, v := range values {
				ph, err := next(v)
				if err != nil {
					return "", nil, err
				}
				holders = append(holders, ph)
			}
			parts = append(parts, col+" IN ("+strings.Join(holders, ", ")+")")
		default:
			if c.Value == nil {
				if c.Op == OpEq {
					parts = append(parts, col+" IS NULL")
					continue
				}
				if c.Op == OpNeq {
					parts = append(parts, col+" IS NOT NULL")
					continue
				}
			}
			ph, err := next(c.Value)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, col+" "+sqlOperator(c.Op)+" "+ph)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func sqlOperator(op Op) string {
	switch op {
	case OpNeq:
		return "<>"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "="
	}
}

// Select returns the rows matching filter.
func (s *SQLStore) Select(ctx context.Context, collection string, f Filter) ([]Row, error) {
	if err := validIdent(collection); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	where, args, err := s.whereClause(f, 0)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + s.dialect.QuoteIdent(collection) + where
	if len(f.Orders) > 0 {
		orders := make([]string, 0, len(f.Orders))
		for _, o := range f.Orders {
			dir := " ASC"
			if o.Desc {
				dir = " DESC"
			}
			orders = append(orders, s.dialect.QuoteIdent(o.Column)+dir)
		}
		query += " ORDER BY " + strings.Join(orders, ", ")
	}
	if f.MaxRows > 0 {
		query += " LIMIT " + strconv.Itoa(f.MaxRows)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap(ctx, err, "select from %s", collection)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "columns of %s", collection)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "scan %s row", collection)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, err, "iterate %s", collection)
	}
	return out, nil
}

// Insert adds one row. Uniqueness violations are marked ErrConflict.
func (s *SQLStore) Insert(ctx context.Context, collection string, row Row) error {
	query, args, err := s.insertStatement(collection, row, nil)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.wrap(ctx, err, "insert into %s", collection)
	}
	return nil
}

// Patch updates the columns in partial on every matching row.
func (s *SQLStore) Patch(ctx context.Context, collection string, f Filter, partial Row) (int64, error) {
	if err := validIdent(collection); err != nil {
		return 0, err
	}
	if len(f.Conditions) == 0 {
		return 0, errors.NewInvalidRequestError("refusing to patch every row of %s", collection)
	}
	if err := f.validate(); err != nil {
		return 0, err
	}
	cols, err := sortedColumns(partial)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, errors.NewInvalidRequestError("empty patch for %s", collection)
	}

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		v, err := normalizeValue(partial[c])
		if err != nil {
			return 0, err
		}
		sets = append(sets, s.dialect.QuoteIdent(c)+" = "+s.dialect.Placeholder(i+1))
		args = append(args, v)
	}

	where, whereArgs, err := s.whereClause(f, len(cols))
	if err != nil {
		return 0, err
	}
	query := "UPDATE " + s.dialect.QuoteIdent(collection) + " SET " + strings.Join(sets, ", ") + where

	res, err := s.db.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, s.wrap(ctx, err, "patch %s", collection)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "rows affected on %s", collection)
	}
	return n, nil
}

// Bulk inserts or upserts rows in one transaction.
func (s *SQLStore) Bulk(ctx context.Context, collection string, opts BulkOptions, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, c := range opts.OnConflict {
		if err := validIdent(c); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(ctx, err, "begin bulk %s", collection)
	}
	defer tx.Rollback()

	for i, row := range rows {
		query, args, err := s.insertStatement(collection, row, opts.OnConflict)
		if err != nil {
			return errors.Wrapf(err, "row %d", i)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return s.wrap(ctx, err, "bulk write row %d into %s", i, collection)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.wrap(ctx, err, "commit bulk %s", collection)
	}
	return nil
}

func (s *SQLStore) insertStatement(collection string, row Row, onConflict []string) (string, []any, error) {
	if err := validIdent(collection); err != nil {
		return "", nil, err
	}
	cols, err := sortedColumns(row)
	if err != nil {
		return "", nil, err
	}
	if len(cols) == 0 {
		return "", nil, errors.NewInvalidRequestError("empty row for %s", collection)
	}

	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := normalizeValue(row[c])
		if err != nil {
			return "", nil, err
		}
		quoted[i] = s.dialect.QuoteIdent(c)
		holders[i] = s.dialect.Placeholder(i + 1)
		args[i] = v
	}

	query := "INSERT INTO " + s.dialect.QuoteIdent(collection) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(holders, ", ") + ")"

	if len(onConflict) > 0 {
		conflict := make([]string, len(onConflict))
		isKey := make(map[string]bool, len(onConflict))
		for i, c := range onConflict {
			conflict[i] = s.dialect.QuoteIdent(c)
			isKey[c] = true
		}
		var updates []string
		for _, c := range cols {
			if isKey[c] {
				continue
			}
			q := s.dialect.QuoteIdent(c)
			updates = append(updates, q+" = excluded."+q)
		}
		query += " ON CONFLICT (" + strings.Join(conflict, ", ") + ")"
		if len(updates) == 0 {
			query += " DO NOTHING"
		} else {
			query += " DO UPDATE SET " + strings.Join(updates, ", ")
		}
	}
	return query, args, nil
}

// wrap classifies driver errors into the package sentinels.
func (s *SQLStore) wrap(ctx context.Context, err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	switch {
	case db.IsUniqueViolation(err):
		return errors.Mark(wrapped, errors.ErrConflict)
	case ctx.Err() != nil:
		return errors.Mark(wrapped, errors.ErrTimeout)
	case db.IsDatabaseClosed(err):
		return errors.Mark(wrapped, errors.ErrServiceUnavailable)
	}
	return wrapped
}
