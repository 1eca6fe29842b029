package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"table-sync-service/internal/logger"
	"table-sync-service/internal/store"
)

const ConflictEqualTimestamps = "equal_timestamps"

// Input holds the three timestamps of one record. An invalid value means
// the side has no copy of the record.
type Input struct {
	Local     sql.NullInt64
	Snapshot  sql.NullInt64
	Remote    sql.NullInt64
	Watermark int64
}

type Resolution struct {
	Action Action
	// Ambiguous is set when both sides changed to the same timestamp.
	Ambiguous bool
	Reason    string
}

// At is a present timestamp.
func At(ts int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ts, Valid: true}
}

// Resolve decides the direction of one record under last-write-wins.
func Resolve(in Input) Resolution {
	local, snap, rem := in.Local, in.Snapshot, in.Remote

	switch {
	case !local.Valid && !rem.Valid:
		return Resolution{Action: ActionSkip, Reason: "no copy on either side"}
	case !local.Valid:
		if !snap.Valid || rem.Int64 > snap.Int64 {
			return Resolution{Action: ActionPull, Reason: "remote only"}
		}
		return Resolution{Action: ActionSkip, Reason: "remote unchanged since snapshot"}
	case !rem.Valid:
		if !snap.Valid {
			return Resolution{Action: ActionPush, Reason: "first write"}
		}
		if local.Int64 > snap.Int64 {
			return Resolution{Action: ActionPush, Reason: "local changed"}
		}
		return Resolution{Action: ActionSkip, Reason: "local unchanged since snapshot"}
	}

	var localChanged, remoteChanged bool
	if snap.Valid {
		localChanged = local.Int64 > snap.Int64
		remoteChanged = rem.Int64 > snap.Int64
	} else {
		localChanged = local.Int64 > in.Watermark
		remoteChanged = true
	}

	switch {
	case !localChanged && !remoteChanged:
		return Resolution{Action: ActionSkip, Reason: "unchanged"}
	case local.Int64 > rem.Int64:
		return Resolution{Action: ActionPush, Reason: "local is newer"}
	case rem.Int64 > local.Int64:
		return Resolution{Action: ActionPull, Reason: "remote is newer"}
	case localChanged && remoteChanged:
		return Resolution{Action: ActionSkip, Ambiguous: true, Reason: "both sides changed at the same time"}
	default:
		return Resolution{Action: ActionSkip, Reason: "in sync"}
	}
}

// ConflictRecorder keeps ambiguous records for operator review.
type ConflictRecorder struct {
	store store.Store
	now   func() time.Time
}

func NewConflictRecorder(store store.Store) *ConflictRecorder {
	return &ConflictRecorder{store: store, now: time.Now}
}

func (cr *ConflictRecorder) Record(ctx context.Context, table, key string, localData, cloudData map[string]any) error {
	localBytes, err := json.Marshal(localData)
	if err != nil {
		return err
	}
	cloudBytes, err := json.Marshal(cloudData)
	if err != nil {
		return err
	}

	conflict := &store.Conflict{
		ID:                 uuid.New().String(),
		TableName:          table,
		PrimaryKeyValue:    key,
		LocalData:          json.RawMessage(localBytes),
		CloudData:          json.RawMessage(cloudBytes),
		ConflictType:       ConflictEqualTimestamps,
		DetectedAt:         cr.now(),
		Resolved:           true,
		ResolutionStrategy: sql.NullString{String: ActionSkip.String(), Valid: true},
	}

	logger.Log.Warn("Conflicting changes with equal timestamps",
		zap.String("table", table),
		zap.String("key", key),
		zap.String("conflict_id", conflict.ID),
	)
	return cr.store.CreateConflict(ctx, conflict)
}
