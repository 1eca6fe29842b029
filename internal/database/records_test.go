package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-sync-service/internal/config"
)

// setupTestDB opens a sqlite database in a temporary directory with an
// orders table.
func setupTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(config.DatabaseConnection{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.DB.Exec(`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		item TEXT,
		qty INTEGER,
		sync_updated INTEGER
	)`)
	require.NoError(t, err)
	_, err = db.DB.Exec(`CREATE TABLE notes (body TEXT)`)
	require.NoError(t, err)
	return db
}

func TestListTables(t *testing.T) {
	db := setupTestDB(t)

	tables, err := db.ListTables(context.Background(), "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)
}

func TestDescribeTable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tbl, err := db.DescribeTable(ctx, "orders", "", "sync_updated")
	require.NoError(t, err)
	assert.Equal(t, "id", tbl.PrimaryKey)
	assert.Equal(t, []string{"id", "item", "qty", "sync_updated"}, tbl.Columns)

	_, err = db.DescribeTable(ctx, "orders", "", "changed_at")
	assert.ErrorIs(t, err, ErrNoTimestampColumn)

	_, err = db.DescribeTable(ctx, "notes", "", "sync_updated")
	assert.Error(t, err)
}

func TestQueryChangedRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.DB.Exec(`INSERT INTO orders (id, item, qty, sync_updated) VALUES
		(1, 'old', 1, 50), (2, 'new', 2, 300), (3, 'mid', 3, 150), (4, 'fresh', 4, NULL),
		(5, 'also', 5, 150), (6, 'blank', 6, NULL)`)
	require.NoError(t, err)

	tbl, err := db.DescribeTable(ctx, "orders", "", "sync_updated")
	require.NoError(t, err)

	var (
		keys   []string
		nulls  int
		cursor Cursor
	)
	for page := 0; page < 10; page++ {
		it, err := db.QueryChangedRecords(ctx, tbl, 100, cursor, 2)
		require.NoError(t, err)
		n := 0
		for it.Next() {
			rec := it.Record()
			keys = append(keys, rec.Key)
			if !rec.Updated.Valid {
				nulls++
			}
			cursor = cursor.Advance(tbl, rec)
			n++
		}
		require.NoError(t, it.Err())
		require.NoError(t, it.Close())
		if n < 2 {
			break
		}
	}
	assert.Equal(t, []string{"4", "6", "3", "5", "2"}, keys, "never-synced rows first, then ascending")
	assert.Equal(t, 2, nulls)
}

func TestApplyAndGetRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tbl, err := db.DescribeTable(ctx, "orders", "", "sync_updated")
	require.NoError(t, err)

	fields := map[string]any{
		"id":           json.Number("7"),
		"item":         "widget",
		"qty":          json.Number("3"),
		"sync_updated": json.Number("200"),
		"unknown":      "ignored",
	}
	require.NoError(t, db.ApplyRecord(ctx, tbl, "7", fields))

	rec, err := db.GetRecord(ctx, tbl, "7")
	require.NoError(t, err)
	assert.Equal(t, "widget", rec.Fields["item"])
	assert.Equal(t, int64(3), rec.Fields["qty"])
	assert.Equal(t, int64(200), rec.Updated.Int64)

	fields["item"] = "gadget"
	require.NoError(t, db.ApplyRecord(ctx, tbl, "7", fields))
	rec, err = db.GetRecord(ctx, tbl, "7")
	require.NoError(t, err)
	assert.Equal(t, "gadget", rec.Fields["item"])

	_, err = db.GetRecord(ctx, tbl, "8")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestStampRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.DB.Exec(`INSERT INTO orders (id, item, sync_updated) VALUES (1, 'a', NULL), (2, 'b', 10)`)
	require.NoError(t, err)
	tbl, err := db.DescribeTable(ctx, "orders", "", "sync_updated")
	require.NoError(t, err)

	require.NoError(t, db.StampRecord(ctx, tbl, "1", 500))
	require.NoError(t, db.StampRecord(ctx, tbl, "2", 500))

	rec, err := db.GetRecord(ctx, tbl, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Updated.Int64)

	rec, err = db.GetRecord(ctx, tbl, "2")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.Updated.Int64, "stamped rows are left alone")
}

func TestMySQLApplyRecord(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer raw.Close()

	db := New(raw, MySQL{})
	tbl := &Table{Name: "orders", PrimaryKey: "id", TimestampColumn: "sync_updated", Columns: []string{"id", "item", "sync_updated"}}

	mock.ExpectExec("INSERT INTO `orders` (`id`, `item`, `sync_updated`) VALUES (?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE `item` = VALUES(`item`), `sync_updated` = VALUES(`sync_updated`)").
		WithArgs("7", "widget", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = db.ApplyRecord(context.Background(), tbl, "7", map[string]any{"item": "widget", "sync_updated": json.Number("200")})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLQueryChangedRecords(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer raw.Close()

	db := New(raw, MySQL{})
	tbl := &Table{Name: "orders", PrimaryKey: "id", TimestampColumn: "sync_updated", Columns: []string{"id", "sync_updated"}}

	mock.ExpectQuery("SELECT * FROM `orders` WHERE `sync_updated` > ? OR `sync_updated` IS NULL ORDER BY `sync_updated` ASC, `id` ASC LIMIT ?").
		WithArgs(int64(100), 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sync_updated"}).
			AddRow([]byte("7"), []byte("150")))
	mock.ExpectQuery("SELECT * FROM `orders` WHERE `sync_updated` > ? OR (`sync_updated` = ? AND `id` > ?) ORDER BY `sync_updated` ASC, `id` ASC LIMIT ?").
		WithArgs(int64(150), int64(150), "7", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sync_updated"}))

	it, err := db.QueryChangedRecords(context.Background(), tbl, 100, Cursor{}, 50)
	require.NoError(t, err)

	require.True(t, it.Next())
	rec := it.Record()
	assert.Equal(t, "7", rec.Key)
	assert.Equal(t, int64(150), rec.Updated.Int64)
	assert.False(t, it.Next())
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())

	it, err = db.QueryChangedRecords(context.Background(), tbl, 100, Cursor{}.Advance(tbl, rec), 50)
	require.NoError(t, err)
	assert.False(t, it.Next())
	require.NoError(t, it.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToUnixAndFormatKey(t *testing.T) {
	ts, ok := ToUnix("100")
	assert.True(t, ok)
	assert.Equal(t, int64(100), ts)

	_, ok = ToUnix(nil)
	assert.False(t, ok)

	assert.Equal(t, "7", FormatKey(float64(7)))
	assert.Equal(t, "7.5", FormatKey(7.5))
	assert.Equal(t, "abc", FormatKey("abc"))
	assert.Equal(t, "42", FormatKey(int64(42)))
}
