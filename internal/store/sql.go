package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
)

const sessionID = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_session (
		sync_id INTEGER PRIMARY KEY,
		last_sync_time BIGINT NULL,
		session_info TEXT,
		max_items_to_sync INTEGER,
		service_type VARCHAR(32),
		application_name VARCHAR(255),
		temporary_folder TEXT,
		updated_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		id VARCHAR(36) PRIMARY KEY,
		started_at BIGINT NOT NULL,
		completed_at BIGINT NULL,
		tables_synced TEXT,
		pushed INTEGER NOT NULL DEFAULT 0,
		pulled INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		conflicts_detected INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		watermark_before BIGINT,
		watermark_after BIGINT,
		status VARCHAR(32),
		error_kind VARCHAR(64) NULL,
		error_message TEXT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id VARCHAR(36) PRIMARY KEY,
		table_name VARCHAR(255) NOT NULL,
		primary_key_value VARCHAR(255) NOT NULL,
		local_data TEXT,
		cloud_data TEXT,
		conflict_type VARCHAR(64),
		detected_at BIGINT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution_strategy VARCHAR(64) NULL
	)`,
}

// SQLStore keeps the sync metadata in the synced database itself.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create sync metadata tables: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) LoadSession(ctx context.Context) (*Session, error) {
	query := `SELECT last_sync_time, session_info, max_items_to_sync, service_type, application_name, temporary_folder, updated_at
			  FROM sync_session WHERE sync_id = ?`

	var (
		session     Session
		lastSync    sql.NullInt64
		sessionInfo sql.NullString
		maxItems    sql.NullInt64
		serviceType sql.NullString
		appName     sql.NullString
		tempFolder  sql.NullString
		updatedAt   sql.NullInt64
	)
	err := s.db.DB.QueryRowContext(ctx, query, sessionID).Scan(
		&lastSync,
		&sessionInfo,
		&maxItems,
		&serviceType,
		&appName,
		&tempFolder,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	session.LastSyncTime = lastSync.Int64
	session.SessionInfo = sessionInfo.String
	session.MaxItemsToSync = int(maxItems.Int64)
	session.ServiceType = serviceType.String
	session.ApplicationName = appName.String
	session.TemporaryFolder = tempFolder.String
	if updatedAt.Valid {
		session.UpdatedAt = time.Unix(updatedAt.Int64, 0).UTC()
	}
	return &session, nil
}

// SaveSession rewrites the session row in a single statement.
func (s *SQLStore) SaveSession(ctx context.Context, session *Session) error {
	cols := []string{"sync_id", "last_sync_time", "session_info", "max_items_to_sync", "service_type", "application_name", "temporary_folder", "updated_at"}
	query := s.db.Dialect.Upsert(SessionTable, "sync_id", cols)

	now := time.Now().UTC()
	_, err := s.db.DB.ExecContext(ctx, query,
		sessionID,
		session.LastSyncTime,
		session.SessionInfo,
		session.MaxItemsToSync,
		session.ServiceType,
		session.ApplicationName,
		session.TemporaryFolder,
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync session: %w", err)
	}
	session.UpdatedAt = now.Truncate(time.Second)

	logger.Log.Debug("Saved sync session", zap.Int64("last_sync_time", session.LastSyncTime))
	return nil
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO sync_conflicts (id, table_name, primary_key_value, local_data, cloud_data, conflict_type, detected_at, resolved, resolution_strategy)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.TableName,
		conflict.PrimaryKeyValue,
		string(conflict.LocalData),
		string(conflict.CloudData),
		conflict.ConflictType,
		conflict.DetectedAt.Unix(),
		conflict.Resolved,
		conflict.ResolutionStrategy,
	)
	return err
}

const conflictColumns = `id, table_name, primary_key_value, local_data, cloud_data, conflict_type, detected_at, resolved, resolution_strategy`

func (s *SQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`

	c, err := scanConflict(s.db.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c          Conflict
		local      sql.NullString
		cloud      sql.NullString
		detectedAt int64
	)
	err := row.Scan(
		&c.ID,
		&c.TableName,
		&c.PrimaryKeyValue,
		&local,
		&cloud,
		&c.ConflictType,
		&detectedAt,
		&c.Resolved,
		&c.ResolutionStrategy,
	)
	if err != nil {
		return nil, err
	}
	c.LocalData = rawJSON(local)
	c.CloudData = rawJSON(cloud)
	c.DetectedAt = time.Unix(detectedAt, 0).UTC()
	return &c, nil
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, tables_synced, watermark_before, status)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt.Unix(),
		history.TablesSynced,
		history.WatermarkBefore,
		history.Status,
	)
	return err
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET
			  completed_at = ?, tables_synced = ?, pushed = ?, pulled = ?, skipped = ?, failed = ?,
			  conflicts_detected = ?, truncated = ?, watermark_after = ?, status = ?, error_kind = ?, error_message = ?
			  WHERE id = ?`

	var completedAt sql.NullInt64
	if history.CompletedAt.Valid {
		completedAt = sql.NullInt64{Int64: history.CompletedAt.Time.Unix(), Valid: true}
	}

	_, err := s.db.DB.ExecContext(ctx, query,
		completedAt,
		history.TablesSynced,
		history.Pushed,
		history.Pulled,
		history.Skipped,
		history.Failed,
		history.Conflicts,
		history.Truncated,
		history.WatermarkAfter,
		history.Status,
		history.ErrorKind,
		history.ErrorMessage,
		history.ID,
	)
	return err
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, tables_synced, pushed, pulled, skipped, failed,
			  conflicts_detected, truncated, watermark_before, watermark_after, status, error_kind, error_message
			  FROM sync_history ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h           SyncHistory
			startedAt   int64
			completedAt sql.NullInt64
			tables      sql.NullString
			wmBefore    sql.NullInt64
			wmAfter     sql.NullInt64
			status      sql.NullString
		)
		err := rows.Scan(
			&h.ID,
			&startedAt,
			&completedAt,
			&tables,
			&h.Pushed,
			&h.Pulled,
			&h.Skipped,
			&h.Failed,
			&h.Conflicts,
			&h.Truncated,
			&wmBefore,
			&wmAfter,
			&status,
			&h.ErrorKind,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		h.StartedAt = time.Unix(startedAt, 0).UTC()
		if completedAt.Valid {
			h.CompletedAt = sql.NullTime{Time: time.Unix(completedAt.Int64, 0).UTC(), Valid: true}
		}
		h.TablesSynced = tables.String
		h.WatermarkBefore = wmBefore.Int64
		h.WatermarkAfter = wmAfter.Int64
		h.Status = status.String
		history = append(history, &h)
	}
	return history, rows.Err()
}

func rawJSON(s sql.NullString) []byte {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	return []byte(s.String)
}
