// Package gdrive is the Google Drive object store. The session info holds
// the OAuth2 refresh token; Drive may rotate it, and the latest one is
// exposed through SessionInfo so it can be persisted.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/syncerr"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	rootID         = "root"
	listFields     = "nextPageToken, files(id, name, modifiedTime)"
)

// Default OAuth2 endpoints.
const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

type Store struct {
	svc *drive.Service
	ts  oauth2.TokenSource

	mu           sync.Mutex
	refreshToken string
}

// New connects to Drive with the refresh token in sessionInfo.
func New(ctx context.Context, cfg config.GoogleDriveConfig, sessionInfo string) (*Store, error) {
	if sessionInfo == "" {
		return nil, syncerr.New(syncerr.Authentication, "drive", errors.New("no refresh token in session info"))
	}

	authURL, tokenURL := cfg.AuthURL, cfg.TokenURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		Scopes:       []string{drive.DriveFileScope},
	}
	ts := oauth2.ReuseTokenSource(nil, conf.TokenSource(ctx, &oauth2.Token{RefreshToken: sessionInfo}))

	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	logger.Log.Info("Using Google Drive remote store")
	return &Store{svc: svc, ts: ts, refreshToken: sessionInfo}, nil
}

// NewWithService wraps an existing Drive client. Authentication only
// checks that the API answers.
func NewWithService(svc *drive.Service) *Store {
	return &Store{svc: svc}
}

func (s *Store) SessionInfo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

func (s *Store) EnsureAuthenticated(ctx context.Context) error {
	if s.ts != nil {
		tok, err := s.ts.Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil && syncerr.RetryableStatus(re.Response.StatusCode) {
				return syncerr.New(syncerr.TransientNetwork, "refresh token", err)
			}
			return syncerr.New(syncerr.Authentication, "refresh token", err)
		}
		if tok.RefreshToken != "" {
			s.mu.Lock()
			if tok.RefreshToken != s.refreshToken {
				logger.Log.Info("Drive refresh token rotated")
			}
			s.refreshToken = tok.RefreshToken
			s.mu.Unlock()
		}
	}

	if _, err := s.svc.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return classify("about", err, syncerr.Authentication)
	}
	return nil
}

func (s *Store) FolderExists(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, bool, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escape(name), parentOrRoot(string(parent)), folderMimeType)
	f, err := s.first(ctx, q)
	if err != nil {
		return "", false, classify("folder exists", err, syncerr.FolderResolution)
	}
	if f == nil {
		return "", false, nil
	}
	return remote.FolderID(f.Id), true, nil
}

func (s *Store) CreateFolder(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, error) {
	f, err := s.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentOrRoot(string(parent))},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", classify("create folder", err, syncerr.FolderResolution)
	}
	logger.Log.Debug("Created drive folder", zap.String("name", name), zap.String("id", f.Id))
	return remote.FolderID(f.Id), nil
}

func (s *Store) FileExists(ctx context.Context, name string, parent remote.FolderID) (remote.FileID, bool, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType != '%s' and trashed = false",
		escape(name), parentOrRoot(string(parent)), folderMimeType)
	f, err := s.first(ctx, q)
	if err != nil {
		return "", false, classify("file exists", err, syncerr.Internal)
	}
	if f == nil {
		return "", false, nil
	}
	return remote.FileID(f.Id), true, nil
}

// UploadFile replaces the content of a same-named file when there is one,
// so the file keeps its id.
func (s *Store) UploadFile(ctx context.Context, r io.Reader, name string, parent remote.FolderID) (remote.FileID, error) {
	existing, found, err := s.FileExists(ctx, name, parent)
	if err != nil {
		return "", err
	}

	var f *drive.File
	if found {
		f, err = s.svc.Files.Update(string(existing), &drive.File{}).
			Media(r, googleapi.ContentType("application/json")).
			Fields("id").Context(ctx).Do()
	} else {
		f, err = s.svc.Files.Create(&drive.File{
			Name:     name,
			MimeType: "application/json",
			Parents:  []string{parentOrRoot(string(parent))},
		}).Media(r, googleapi.ContentType("application/json")).Fields("id").Context(ctx).Do()
	}
	if err != nil {
		return "", classify("upload file", err, syncerr.Internal)
	}
	return remote.FileID(f.Id), nil
}

func (s *Store) DownloadFile(ctx context.Context, id remote.FileID, w io.Writer) error {
	resp, err := s.svc.Files.Get(string(id)).Context(ctx).Download()
	if err != nil {
		return classify("download file", err, syncerr.Internal)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return syncerr.New(syncerr.TransientNetwork, "download file", err)
	}
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, id remote.FileID) error {
	err := s.svc.Files.Delete(string(id)).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return classify("delete file", err, syncerr.Internal)
	}
	return nil
}

func (s *Store) ListFilesModifiedAfter(ctx context.Context, parent remote.FolderID, t time.Time) ([]remote.FileInfo, error) {
	q := fmt.Sprintf("'%s' in parents and mimeType != '%s' and trashed = false and modifiedTime > '%s'",
		parentOrRoot(string(parent)), folderMimeType, t.UTC().Format(time.RFC3339))

	var files []remote.FileInfo
	err := s.svc.Files.List().Q(q).OrderBy("modifiedTime").Fields(listFields).Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				modified, err := time.Parse(time.RFC3339, f.ModifiedTime)
				if err != nil {
					return syncerr.New(syncerr.Serialization, "list files", err)
				}
				// Drive compares with millisecond precision.
				if !modified.After(t) {
					continue
				}
				files = append(files, remote.FileInfo{ID: remote.FileID(f.Id), Name: f.Name, ModifiedAt: modified})
			}
			return nil
		})
	if err != nil {
		return nil, classify("list files", err, syncerr.Internal)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModifiedAt.Before(files[j].ModifiedAt)
	})
	return files, nil
}

func (s *Store) first(ctx context.Context, q string) (*drive.File, error) {
	list, err := s.svc.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(list.Files) == 0 {
		return nil, nil
	}
	return list.Files[0], nil
}

func parentOrRoot(parent string) string {
	if parent == "" {
		return rootID
	}
	return escape(parent)
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func classify(op string, err error, fallback syncerr.Kind) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if rateLimited(gerr) {
			return syncerr.New(syncerr.TransientNetwork, op, err)
		}
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden || syncerr.RetryableStatus(gerr.Code) {
			return syncerr.FromStatus(op, gerr.Code, err)
		}
		return syncerr.New(fallback, op, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return syncerr.New(syncerr.Authentication, op, err)
	}
	if syncerr.IsTransient(err) {
		return syncerr.New(syncerr.TransientNetwork, op, err)
	}
	return syncerr.New(fallback, op, err)
}

// rateLimited reports whether a 403 is a quota answer rather than a
// permission error.
func rateLimited(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
