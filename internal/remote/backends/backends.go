// Package backends builds the object store selected by a session's
// service type.
package backends

import (
	"context"
	"fmt"
	"time"

	"table-sync-service/internal/config"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/remote/gdrive"
	"table-sync-service/internal/remote/memory"
	"table-sync-service/internal/remote/miniostore"
	"table-sync-service/internal/remote/s3store"
)

// Open returns the guarded store for serviceType. sessionInfo carries the
// credentials persisted with the session.
func Open(ctx context.Context, serviceType, sessionInfo string, cfg *config.Config) (*remote.Guarded, error) {
	inner, err := open(ctx, serviceType, sessionInfo, cfg)
	if err != nil {
		return nil, err
	}
	return remote.Guard(inner, GuardOptions(cfg.Sync)), nil
}

func GuardOptions(cfg config.SyncConfig) remote.GuardOptions {
	return remote.GuardOptions{
		CallTimeout:     cfg.GetCallTimeout(),
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: 500 * time.Millisecond,
	}
}

func open(ctx context.Context, serviceType, sessionInfo string, cfg *config.Config) (remote.ObjectStore, error) {
	switch serviceType {
	case config.ServiceGoogleDrive:
		return gdrive.New(ctx, cfg.Remote.GoogleDrive, sessionInfo)
	case config.ServiceMinio:
		return miniostore.New(cfg.Remote.Minio)
	case config.ServiceS3:
		return s3store.New(ctx, cfg.Remote.S3)
	case config.ServiceMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown service type %q", serviceType)
	}
}
