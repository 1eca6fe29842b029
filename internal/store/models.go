package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Session is the persisted sync cursor and configuration of one database.
// There is exactly one row per database.
type Session struct {
	LastSyncTime    int64     `db:"last_sync_time" json:"last_sync_time"`
	SessionInfo     string    `db:"session_info" json:"-"`
	MaxItemsToSync  int       `db:"max_items_to_sync" json:"max_items_to_sync"`
	ServiceType     string    `db:"service_type" json:"service_type"`
	ApplicationName string    `db:"application_name" json:"application_name"`
	TemporaryFolder string    `db:"temporary_folder" json:"temporary_folder"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

type Conflict struct {
	ID                 string          `db:"id" json:"id"`
	TableName          string          `db:"table_name" json:"table_name"`
	PrimaryKeyValue    string          `db:"primary_key_value" json:"primary_key_value"`
	LocalData          json.RawMessage `db:"local_data" json:"local_data"`
	CloudData          json.RawMessage `db:"cloud_data" json:"cloud_data"`
	ConflictType       string          `db:"conflict_type" json:"conflict_type"`
	DetectedAt         time.Time       `db:"detected_at" json:"detected_at"`
	Resolved           bool            `db:"resolved" json:"resolved"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy" json:"-"`
}

type SyncHistory struct {
	ID              string         `db:"id" json:"id"`
	StartedAt       time.Time      `db:"started_at" json:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at" json:"-"`
	TablesSynced    string         `db:"tables_synced" json:"tables_synced"`
	Pushed          int            `db:"pushed" json:"pushed"`
	Pulled          int            `db:"pulled" json:"pulled"`
	Skipped         int            `db:"skipped" json:"skipped"`
	Failed          int            `db:"failed" json:"failed"`
	Conflicts       int            `db:"conflicts_detected" json:"conflicts_detected"`
	Truncated       bool           `db:"truncated" json:"truncated"`
	WatermarkBefore int64          `db:"watermark_before" json:"watermark_before"`
	WatermarkAfter  int64          `db:"watermark_after" json:"watermark_after"`
	Status          string         `db:"status" json:"status"`
	ErrorKind       sql.NullString `db:"error_kind" json:"-"`
	ErrorMessage    sql.NullString `db:"error_message" json:"-"`
}
