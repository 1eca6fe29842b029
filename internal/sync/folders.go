package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/snapshot"
	"table-sync-service/internal/syncerr"
)

// FolderMapper mirrors the table list as one folder per table under the
// application folder, on the remote store and in the staging area.
type FolderMapper struct {
	remote    remote.ObjectStore
	snapshots *snapshot.Store
}

func NewFolderMapper(r remote.ObjectStore, snapshots *snapshot.Store) *FolderMapper {
	return &FolderMapper{remote: r, snapshots: snapshots}
}

// EnsureFolder returns the id of the folder called name under parent,
// creating it only when the lookup finds nothing.
func (m *FolderMapper) EnsureFolder(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, error) {
	id, found, err := m.remote.FolderExists(ctx, name, parent)
	if err != nil {
		return "", folderError(name, err)
	}
	if found {
		return id, nil
	}

	id, err = m.remote.CreateFolder(ctx, name, parent)
	if err != nil {
		return "", folderError(name, err)
	}
	logger.Log.Info("Created remote folder", zap.String("name", name), zap.String("id", string(id)))
	return id, nil
}

// Resolve prepares the folders of every table. Remote ids are looked up
// again on every call and are only valid for one session.
func (m *FolderMapper) Resolve(ctx context.Context, applicationName string, tables []*database.Table) ([]*TableMapping, error) {
	root, err := m.EnsureFolder(ctx, applicationName, "")
	if err != nil {
		return nil, err
	}

	mappings := make([]*TableMapping, 0, len(tables))
	for _, t := range tables {
		if err := m.snapshots.EnsureFolder(t.Name); err != nil {
			return nil, syncerr.New(syncerr.FolderResolution, "local folder", err)
		}
		id, err := m.EnsureFolder(ctx, t.Name, root)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, &TableMapping{
			Table:          t,
			LocalPath:      m.snapshots.TableDir(t.Name),
			RemoteFolderID: id,
		})
	}
	return mappings, nil
}

func folderError(name string, err error) error {
	if syncerr.Is(err, syncerr.Authentication) {
		return err
	}
	return syncerr.New(syncerr.FolderResolution, fmt.Sprintf("folder %s", name), err)
}
