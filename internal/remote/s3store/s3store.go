// Package s3store maps the remote folder tree onto an S3 bucket. Folders
// are key prefixes marked by an empty "prefix/" object, and a file id is
// the object key.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/syncerr"
)

// API is the part of the S3 client the store uses.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Store struct {
	api    API
	bucket string
}

// New builds a store from the default AWS credential chain.
func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, syncerr.New(syncerr.Authentication, "load aws config", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	} else if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	logger.Log.Info("Using S3 remote store",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", awsCfg.Region),
	)
	return NewWithAPI(client, cfg.Bucket), nil
}

func NewWithAPI(api API, bucket string) *Store {
	return &Store{api: api, bucket: bucket}
}

func (s *Store) EnsureAuthenticated(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classify("head bucket", err, syncerr.Authentication)
	}
	return nil
}

func (s *Store) FolderExists(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, bool, error) {
	prefix := folderKey(name, parent)
	found, _, err := s.head(ctx, prefix)
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
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return "", classify("create folder", err, syncerr.FolderResolution)
	}
	return remote.FolderID(prefix), nil
}

func (s *Store) FileExists(ctx context.Context, name string, parent remote.FolderID) (remote.FileID, bool, error) {
	key := string(parent) + name
	found, _, err := s.head(ctx, key)
	if err != nil {
		return "", false, classify("file exists", err, syncerr.Internal)
	}
	if !found {
		return "", false, nil
	}
	return remote.FileID(key), true, nil
}

// UploadFile overwrites the object in place, which supersedes the
// previous version.
func (s *Store) UploadFile(ctx context.Context, r io.Reader, name string, parent remote.FolderID) (remote.FileID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := string(parent) + name
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", classify("upload file", err, syncerr.Internal)
	}
	return remote.FileID(key), nil
}

func (s *Store) DownloadFile(ctx context.Context, id remote.FileID, w io.Writer) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		return classify("download file", err, syncerr.Internal)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return syncerr.New(syncerr.TransientNetwork, "download file", err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id remote.FileID) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		return classify("delete file", err, syncerr.Internal)
	}
	return nil
}

func (s *Store) ListFilesModifiedAfter(ctx context.Context, parent remote.FolderID, t time.Time) ([]remote.FileInfo, error) {
	var (
		files []remote.FileInfo
		token *string
	)
	for {
		out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(string(parent)),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("list files", err, syncerr.Internal)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, string(parent))
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			modified := aws.ToTime(obj.LastModified)
			if !modified.After(t) {
				continue
			}
			files = append(files, remote.FileInfo{ID: remote.FileID(key), Name: name, ModifiedAt: modified})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModifiedAt.Before(files[j].ModifiedAt)
	})
	return files, nil
}

func (s *Store) head(ctx context.Context, key string) (bool, *s3.HeadObjectOutput, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, out, nil
}

func folderKey(name string, parent remote.FolderID) string {
	return path.Join(string(parent), name) + "/"
}

type statusCoder interface {
	HTTPStatusCode() int
}

func isNotFound(err error) bool {
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() == 404 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey")
}

// classify maps an SDK error to a sync error kind. Errors without an HTTP
// status fall back to fallback unless they are network errors.
func classify(op string, err error, fallback syncerr.Kind) error {
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatusCode()
		if code == 401 || code == 403 || syncerr.RetryableStatus(code) {
			return syncerr.FromStatus(op, code, err)
		}
		return syncerr.New(fallback, op, fmt.Errorf("status %d: %w", code, err))
	}
	if syncerr.IsTransient(err) {
		return syncerr.New(syncerr.TransientNetwork, op, err)
	}
	return syncerr.New(fallback, op, err)
}
