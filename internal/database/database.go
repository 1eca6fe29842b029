package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
)

type Database struct {
	DB      *sql.DB
	Config  config.DatabaseConnection
	Dialect Dialect
}

func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	var (
		driver  string
		dsn     string
		dialect Dialect
	)

	switch cfg.Driver {
	case config.DriverSQLite, "":
		driver = "sqlite"
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
		dialect = SQLite{}
	case config.DriverMySQL:
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		dialect = MySQL{}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection pool settings
	if dialect.Name() == config.DriverSQLite {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
	}
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("driver", dialect.Name()),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("path", cfg.Path),
	)

	return &Database{
		DB:      db,
		Config:  cfg,
		Dialect: dialect,
	}, nil
}

// New wraps an already opened handle, mostly for tests.
func New(db *sql.DB, dialect Dialect) *Database {
	return &Database{DB: db, Dialect: dialect}
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
