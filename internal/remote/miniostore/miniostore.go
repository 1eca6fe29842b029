// Package miniostore maps the remote folder tree onto a MinIO bucket using
// the same layout as the S3 store: folders are "prefix/" marker objects and
// a file id is the object key.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/syncerr"
)

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg config.MinioConfig) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	logger.Log.Info("Using MinIO remote store",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureAuthenticated checks the credentials against the bucket and creates
// the bucket on first use.
func (s *Store) EnsureAuthenticated(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify("bucket exists", err, syncerr.Authentication)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errBucketExists := s.client.BucketExists(ctx, s.bucket)
		if !(errBucketExists == nil && exists) {
			return classify("make bucket", err, syncerr.Authentication)
		}
	}
	return nil
}

func (s *Store) FolderExists(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, bool, error) {
	prefix := folderKey(name, parent)
	found, err := s.stat(ctx, prefix)
	if err != nil {
		return "", false, classify("folder exists", err, syncerr.FolderResolution)
	}
	if !found {
		return "", false, nil
	}
	return remote.FolderID(prefix), true, nil
}

func (s *Store) CreateFolder(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, error) {
	prefix := folderKey(name, parent)
	_, err := s.client.PutObject(ctx, s.bucket, prefix, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return "", classify("create folder", err, syncerr.FolderResolution)
	}
	return remote.FolderID(prefix), nil
}

func (s *Store) FileExists(ctx context.Context, name string, parent remote.FolderID) (remote.FileID, bool, error) {
	key := fileKey(name, parent)
	found, err := s.stat(ctx, key)
	if err != nil {
		return "", false, classify("file exists", err, syncerr.Internal)
	}
	if !found {
		return "", false, nil
	}
	return remote.FileID(key), true, nil
}

func (s *Store) UploadFile(ctx context.Context, r io.Reader, name string, parent remote.FolderID) (remote.FileID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := fileKey(name, parent)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", classify("upload file", err, syncerr.Internal)
	}
	return remote.FileID(key), nil
}

func (s *Store) DownloadFile(ctx context.Context, id remote.FileID, w io.Writer) error {
	obj, err := s.client.GetObject(ctx, s.bucket, string(id), minio.GetObjectOptions{})
	if err != nil {
		return classify("download file", err, syncerr.Internal)
	}
	defer obj.Close()

	if _, err := io.Copy(w, obj); err != nil {
		return classify("download file", err, syncerr.Internal)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id remote.FileID) error {
	if err := s.client.RemoveObject(ctx, s.bucket, string(id), minio.RemoveObjectOptions{}); err != nil {
		return classify("delete file", err, syncerr.Internal)
	}
	return nil
}

func (s *Store) ListFilesModifiedAfter(ctx context.Context, parent remote.FolderID, t time.Time) ([]remote.FileInfo, error) {
	var files []remote.FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: string(parent)}) {
		if obj.Err != nil {
			return nil, classify("list files", obj.Err, syncerr.Internal)
		}
		if info, ok := toFileInfo(parent, obj.Key, obj.LastModified, t); ok {
			files = append(files, info)
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModifiedAt.Before(files[j].ModifiedAt)
	})
	return files, nil
}

func (s *Store) stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func folderKey(name string, parent remote.FolderID) string {
	return path.Join(string(parent), name) + "/"
}

func fileKey(name string, parent remote.FolderID) string {
	return string(parent) + name
}

// toFileInfo filters one listed key. Folder markers, nested folders and
// files not newer than t are dropped.
func toFileInfo(parent remote.FolderID, key string, modified, t time.Time) (remote.FileInfo, bool) {
	name := strings.TrimPrefix(key, string(parent))
	if name == "" || strings.Contains(name, "/") || !modified.After(t) {
		return remote.FileInfo{}, false
	}
	return remote.FileInfo{ID: remote.FileID(key), Name: name, ModifiedAt: modified}, true
}

func classify(op string, err error, fallback syncerr.Kind) error {
	resp := minio.ToErrorResponse(err)
	if code := resp.StatusCode; code != 0 {
		if code == http.StatusUnauthorized || code == http.StatusForbidden || syncerr.RetryableStatus(code) {
			return syncerr.FromStatus(op, code, err)
		}
		return syncerr.New(fallback, op, err)
	}
	if syncerr.IsTransient(err) {
		return syncerr.New(syncerr.TransientNetwork, op, err)
	}
	return syncerr.New(fallback, op, err)
}
