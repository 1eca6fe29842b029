// Package remote defines the object store a database is synced with.
//
// The store is hierarchical: folders hold folders and files, every item
// has an opaque identifier chosen by the store, and names are only unique
// because callers look them up before creating them.
package remote

import (
	"context"
	"io"
	"time"
)

type FolderID string

type FileID string

type FileInfo struct {
	ID         FileID
	Name       string
	ModifiedAt time.Time
}

type ObjectStore interface {
	// EnsureAuthenticated must succeed before any other call.
	EnsureAuthenticated(ctx context.Context) error

	// FolderExists looks a folder up by name under parent. An empty parent
	// means the store root.
	FolderExists(ctx context.Context, name string, parent FolderID) (FolderID, bool, error)
	CreateFolder(ctx context.Context, name string, parent FolderID) (FolderID, error)

	FileExists(ctx context.Context, name string, parent FolderID) (FileID, bool, error)
	// UploadFile stores r as name under parent, superseding a file with the
	// same name.
	UploadFile(ctx context.Context, r io.Reader, name string, parent FolderID) (FileID, error)
	DownloadFile(ctx context.Context, id FileID, w io.Writer) error
	DeleteFile(ctx context.Context, id FileID) error

	// ListFilesModifiedAfter returns the files directly under parent that
	// changed after t.
	ListFilesModifiedAfter(ctx context.Context, parent FolderID, t time.Time) ([]FileInfo, error)
}

// SessionInfoProvider is implemented by stores whose credentials rotate.
// The returned value replaces the persisted session info.
type SessionInfoProvider interface {
	SessionInfo() string
}
