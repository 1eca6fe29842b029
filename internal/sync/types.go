package sync

import (
	"database/sql"
	"time"

	"table-sync-service/internal/database"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/syncerr"
)

type Source int

const (
	SourceLocal Source = iota
	SourceRemote
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "local"
}

type Action int

const (
	ActionSkip Action = iota
	ActionPush
	ActionPull
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionPull:
		return "pull"
	default:
		return "skip"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Candidate is a record seen as changed by one side during enumeration.
type Candidate struct {
	Source Source
	Table  string
	Key    string
	// Timestamp is the local update time or the remote modification time.
	// It is invalid for local rows that were never synced.
	Timestamp sql.NullInt64
	// Record is set for local candidates.
	Record *database.Record
	// FileID is set for remote candidates.
	FileID remote.FileID
}

// TableMapping ties a local table to its staging folder and remote folder.
type TableMapping struct {
	*database.Table
	LocalPath      string
	RemoteFolderID remote.FolderID
}

type Status string

const (
	StatusPushed   Status = "pushed"
	StatusPulled   Status = "pulled"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
	StatusDeferred Status = "deferred"
)

type RecordOutcome struct {
	Table   string       `json:"table"`
	Key     string       `json:"key"`
	Action  Action       `json:"action"`
	Status  Status       `json:"status"`
	Reason  string       `json:"reason,omitempty"`
	Kind    syncerr.Kind `json:"kind,omitempty"`
	Warning bool         `json:"warning,omitempty"`
}

type ResultError struct {
	Kind    syncerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Result summarises one session.
type Result struct {
	SessionID       string          `json:"session_id"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     time.Time       `json:"completed_at"`
	Tables          []string        `json:"tables"`
	Pushed          int             `json:"pushed"`
	Pulled          int             `json:"pulled"`
	Skipped         int             `json:"skipped"`
	Failed          int             `json:"failed"`
	Deferred        int             `json:"deferred"`
	Conflicts       int             `json:"conflicts"`
	Truncated       bool            `json:"truncated"`
	WatermarkBefore int64           `json:"watermark_before"`
	WatermarkAfter  int64           `json:"watermark_after"`
	Records         []RecordOutcome `json:"records,omitempty"`
	Error           *ResultError    `json:"error,omitempty"`
}

// Transfers is the number of records moved in either direction.
func (r *Result) Transfers() int {
	return r.Pushed + r.Pulled
}

func (r *Result) add(o RecordOutcome) {
	r.Records = append(r.Records, o)
	switch o.Status {
	case StatusPushed:
		r.Pushed++
	case StatusPulled:
		r.Pulled++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	case StatusDeferred:
		r.Deferred++
	}
	if o.Kind == syncerr.ConflictAmbiguity {
		r.Conflicts++
	}
}

func (r *Result) fail(err error) {
	r.Error = &ResultError{Kind: syncerr.KindOf(err), Message: err.Error()}
}
