package store

import (
	"context"
	"errors"
)

const (
	SessionTable   = "sync_session"
	HistoryTable   = "sync_history"
	ConflictsTable = "sync_conflicts"
)

// MetadataTables are never synced themselves.
var MetadataTables = []string{SessionTable, HistoryTable, ConflictsTable}

var ErrNoSession = errors.New("sync session not configured")

type Store interface {
	EnsureSchema(ctx context.Context) error

	// Session
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
