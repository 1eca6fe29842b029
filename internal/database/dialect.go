package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"table-sync-service/internal/config"
)

// Column describes one column of a local table.
type Column struct {
	Name       string
	PrimaryKey bool
}

// Dialect hides the SQL differences between the supported local stores.
type Dialect interface {
	Name() string
	Quote(ident string) string
	ListTablesQuery() string
	Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error)
	// Upsert builds an insert that overwrites the row identified by key.
	Upsert(table, key string, columns []string) string
}

type SQLite struct{}

func (SQLite) Name() string { return config.DriverSQLite }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (SQLite) ListTablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
}

func (SQLite) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			name string
			pk   int
		)
		if err := rows.Scan(&name, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

func (d SQLite) Upsert(table, key string, columns []string) string {
	insert := insertPrefix(d, table, columns)

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c)))
	}
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT(%s) DO NOTHING", insert, d.Quote(key))
	}
	return fmt.Sprintf("%s ON CONFLICT(%s) DO UPDATE SET %s", insert, d.Quote(key), strings.Join(sets, ", "))
}

type MySQL struct{}

func (MySQL) Name() string { return config.DriverMySQL }

func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (MySQL) ListTablesQuery() string {
	return `SELECT TABLE_NAME FROM information_schema.TABLES
			  WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`
}

func (MySQL) Columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	query := `SELECT COLUMN_NAME, COLUMN_KEY FROM information_schema.COLUMNS
			  WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, PrimaryKey: key == "PRI"})
	}
	return cols, rows.Err()
}

func (d MySQL) Upsert(table, key string, columns []string) string {
	insert := insertPrefix(d, table, columns)

	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c)))
	}
	if len(sets) == 0 {
		sets = append(sets, fmt.Sprintf("%s = %s", d.Quote(key), d.Quote(key)))
	}
	return fmt.Sprintf("%s ON DUPLICATE KEY UPDATE %s", insert, strings.Join(sets, ", "))
}

func insertPrefix(d Dialect, table string, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}
