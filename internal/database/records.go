package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

var (
	ErrNoRecord          = errors.New("record not found")
	ErrNoPrimaryKey      = errors.New("table has no primary key")
	ErrNoTimestampColumn = errors.New("table has no timestamp column")
)

// Table is a local table prepared for syncing.
type Table struct {
	Name            string
	PrimaryKey      string
	TimestampColumn string
	Columns         []string
}

// Record is one row of a synced table. Updated is invalid when the
// timestamp column is NULL, which means the row was never synced.
type Record struct {
	Key     string
	Fields  map[string]any
	Updated sql.NullInt64
}

// ListTables returns the user tables of the database minus exclude.
func (d *Database) ListTables(ctx context.Context, exclude ...string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, d.Dialect.ListTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if lo.Contains(exclude, name) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable loads the column list of name. Empty primaryKey picks the
// table's declared primary key.
func (d *Database) DescribeTable(ctx context.Context, name, primaryKey, timestampColumn string) (*Table, error) {
	cols, err := d.Dialect.Columns(ctx, d.DB, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", name, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", name)
	}

	names := lo.Map(cols, func(c Column, _ int) string { return c.Name })

	if primaryKey == "" {
		if pk, ok := lo.Find(cols, func(c Column) bool { return c.PrimaryKey }); ok {
			primaryKey = pk.Name
		}
	}
	if primaryKey == "" || !lo.Contains(names, primaryKey) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoPrimaryKey)
	}
	if !lo.Contains(names, timestampColumn) {
		return nil, fmt.Errorf("%s.%s: %w", name, timestampColumn, ErrNoTimestampColumn)
	}

	return &Table{
		Name:            name,
		PrimaryKey:      primaryKey,
		TimestampColumn: timestampColumn,
		Columns:         names,
	}, nil
}

// Cursor marks the last row of a page returned by QueryChangedRecords.
// The zero value starts from the beginning.
type Cursor struct {
	Started bool
	// Timestamp is invalid when the last row was never synced.
	Timestamp sql.NullInt64
	Key       any
}

// Advance moves the cursor past rec.
func (c Cursor) Advance(t *Table, rec *Record) Cursor {
	return Cursor{Started: true, Timestamp: rec.Updated, Key: rec.Fields[t.PrimaryKey]}
}

// QueryChangedRecords returns up to limit rows changed after since, plus
// the rows never synced, oldest first and resuming after the cursor. The
// caller must Close the iterator.
func (d *Database) QueryChangedRecords(ctx context.Context, t *Table, since int64, after Cursor, limit int) (*RecordIterator, error) {
	q := d.Dialect.Quote
	ts, pk := q(t.TimestampColumn), q(t.PrimaryKey)

	var (
		where string
		args  []any
	)
	switch {
	case !after.Started:
		where = fmt.Sprintf("%s > ? OR %s IS NULL", ts, ts)
		args = []any{since}
	case !after.Timestamp.Valid:
		where = fmt.Sprintf("(%s IS NULL AND %s > ?) OR %s > ?", ts, pk, ts)
		args = []any{after.Key, since}
	default:
		where = fmt.Sprintf("%s > ? OR (%s = ? AND %s > ?)", ts, ts, pk)
		args = []any{after.Timestamp.Int64, after.Timestamp.Int64, after.Key}
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s ASC, %s ASC LIMIT ?", q(t.Name), where, ts, pk)
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes of %s: %w", t.Name, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &RecordIterator{rows: rows, cols: cols, table: t}, nil
}

// GetRecord loads a single row by primary key.
func (d *Database) GetRecord(ctx context.Context, t *Table, key string) (*Record, error) {
	q := d.Dialect.Quote
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", q(t.Name), q(t.PrimaryKey))

	rows, err := d.DB.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", t.Name, key, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}

	it := &RecordIterator{rows: rows, cols: cols, table: t}
	defer it.Close()

	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoRecord
	}
	return it.Record(), nil
}

// ApplyRecord upserts fields into the row identified by key. Fields that
// are not columns of the table are ignored.
func (d *Database) ApplyRecord(ctx context.Context, t *Table, key string, fields map[string]any) error {
	var (
		cols []string
		args []any
	)
	for _, c := range t.Columns {
		if c == t.PrimaryKey {
			cols = append(cols, c)
			args = append(args, key)
			continue
		}
		v, ok := fields[c]
		if !ok {
			continue
		}
		cols = append(cols, c)
		args = append(args, bindValue(v))
	}

	_, err := d.DB.ExecContext(ctx, d.Dialect.Upsert(t.Name, t.PrimaryKey, cols), args...)
	if err != nil {
		return fmt.Errorf("failed to apply %s/%s: %w", t.Name, key, err)
	}
	return nil
}

// StampRecord sets the timestamp of a never-synced row.
func (d *Database) StampRecord(ctx context.Context, t *Table, key string, ts int64) error {
	q := d.Dialect.Quote
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ? AND %s IS NULL",
		q(t.Name), q(t.TimestampColumn), q(t.PrimaryKey), q(t.TimestampColumn))

	if _, err := d.DB.ExecContext(ctx, query, ts, key); err != nil {
		return fmt.Errorf("failed to stamp %s/%s: %w", t.Name, key, err)
	}
	return nil
}

// RecordIterator walks the result of QueryChangedRecords. It is single
// pass and cannot be restarted.
type RecordIterator struct {
	rows  *sql.Rows
	cols  []string
	table *Table
	cur   *Record
	err   error
}

func (it *RecordIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	values := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		it.err = err
		return false
	}

	fields := make(map[string]any, len(it.cols))
	for i, c := range it.cols {
		fields[c] = normalizeValue(values[i])
	}

	rec := &Record{
		Key:    FormatKey(fields[it.table.PrimaryKey]),
		Fields: fields,
	}
	if ts, ok := ToUnix(fields[it.table.TimestampColumn]); ok {
		rec.Updated = sql.NullInt64{Int64: ts, Valid: true}
	}
	it.cur = rec
	return true
}

func (it *RecordIterator) Record() *Record {
	return it.cur
}

func (it *RecordIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *RecordIterator) Close() error {
	return it.rows.Close()
}

// FormatKey renders a primary key value the way it appears in file names.
func FormatKey(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case float64:
		if k == math.Trunc(k) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	case json.Number:
		return k.String()
	default:
		return fmt.Sprint(k)
	}
}

// ToUnix reads a unix-seconds timestamp out of a column or JSON value.
// Numeric strings are accepted since older snapshots stored them quoted.
func ToUnix(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	case time.Time:
		return t.Unix(), true
	}
	return 0, false
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.DateTime)
	default:
		return v
	}
}

func bindValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return v
	}
}
