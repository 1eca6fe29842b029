// Package memory is an in-process object store. It backs the "memory"
// service type and the sync tests.
package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"table-sync-service/internal/remote"
	"table-sync-service/internal/syncerr"
)

var ErrNotFound = errors.New("item not found")

// FailFunc is consulted before every call. A non-nil result fails the call.
type FailFunc func(op string, name string) error

type folder struct {
	id     remote.FolderID
	name   string
	parent remote.FolderID
}

type file struct {
	id         remote.FileID
	name       string
	parent     remote.FolderID
	data       []byte
	modifiedAt time.Time
}

type Store struct {
	mu      sync.Mutex
	folders map[remote.FolderID]*folder
	files   map[remote.FileID]*file
	now     func() time.Time
	fail    FailFunc
	calls   map[string]int
}

type Option func(*Store)

// WithClock sets the clock that stamps uploads.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithFailures(fn FailFunc) Option {
	return func(s *Store) { s.fail = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		folders: make(map[remote.FolderID]*folder),
		files:   make(map[remote.FileID]*file),
		now:     time.Now,
		calls:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailures replaces the failure hook.
func (s *Store) SetFailures(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// Calls returns how often op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(op, name string) error {
	s.calls[op]++
	if s.fail != nil {
		return s.fail(op, name)
	}
	return nil
}

func (s *Store) EnsureAuthenticated(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("authenticate", "")
}

func (s *Store) FolderExists(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("folder_exists", name); err != nil {
		return "", false, err
	}
	if f := s.findFolder(name, parent); f != nil {
		return f.id, true, nil
	}
	return "", false, nil
}

func (s *Store) CreateFolder(ctx context.Context, name string, parent remote.FolderID) (remote.FolderID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("create_folder", name); err != nil {
		return "", err
	}
	if parent != "" {
		if _, ok := s.folders[parent]; !ok {
			return "", syncerr.New(syncerr.FolderResolution, "create folder", ErrNotFound)
		}
	}
	// Duplicate names are allowed, like on real stores.
	f := &folder{id: remote.FolderID(uuid.NewString()), name: name, parent: parent}
	s.folders[f.id] = f
	return f.id, nil
}

func (s *Store) FileExists(ctx context.Context, name string, parent remote.FolderID) (remote.FileID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("file_exists", name); err != nil {
		return "", false, err
	}
	if f := s.findFile(name, parent); f != nil {
		return f.id, true, nil
	}
	return "", false, nil
}

func (s *Store) UploadFile(ctx context.Context, r io.Reader, name string, parent remote.FolderID) (remote.FileID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upload", name); err != nil {
		return "", err
	}
	if _, ok := s.folders[parent]; !ok {
		return "", syncerr.New(syncerr.Internal, "upload file", ErrNotFound)
	}

	if f := s.findFile(name, parent); f != nil {
		f.data = data
		f.modifiedAt = s.now()
		return f.id, nil
	}
	f := &file{
		id:         remote.FileID(uuid.NewString()),
		name:       name,
		parent:     parent,
		data:       data,
		modifiedAt: s.now(),
	}
	s.files[f.id] = f
	return f.id, nil
}

func (s *Store) DownloadFile(ctx context.Context, id remote.FileID, w io.Writer) error {
	s.mu.Lock()
	f, ok := s.files[id]
	err := s.enter("download", "")
	var data []byte
	if ok {
		err = errors.Join(err, s.failFor("download", f.name))
		data = bytes.Clone(f.data)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return syncerr.New(syncerr.Internal, "download file", ErrNotFound)
	}
	_, err = w.Write(data)
	return err
}

func (s *Store) DeleteFile(ctx context.Context, id remote.FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete", ""); err != nil {
		return err
	}
	delete(s.files, id)
	return nil
}

func (s *Store) ListFilesModifiedAfter(ctx context.Context, parent remote.FolderID, t time.Time) ([]remote.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("list", string(parent)); err != nil {
		return nil, err
	}

	var out []remote.FileInfo
	for _, f := range s.files {
		if f.parent == parent && f.modifiedAt.After(t) {
			out = append(out, remote.FileInfo{ID: f.id, Name: f.name, ModifiedAt: f.modifiedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModifiedAt.Before(out[j].ModifiedAt)
	})
	return out, nil
}

// Put writes a file directly, bypassing failures. It creates the folder
// path as needed and returns the file id.
func (s *Store) Put(folderPath []string, name string, data []byte, modifiedAt time.Time) remote.FileID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent remote.FolderID
	for _, seg := range folderPath {
		f := s.findFolder(seg, parent)
		if f == nil {
			f = &folder{id: remote.FolderID(uuid.NewString()), name: seg, parent: parent}
			s.folders[f.id] = f
		}
		parent = f.id
	}

	if f := s.findFile(name, parent); f != nil {
		f.data = data
		f.modifiedAt = modifiedAt
		return f.id
	}
	f := &file{id: remote.FileID(uuid.NewString()), name: name, parent: parent, data: data, modifiedAt: modifiedAt}
	s.files[f.id] = f
	return f.id
}

// Get reads a file by folder path and name.
func (s *Store) Get(folderPath []string, name string) ([]byte, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parent remote.FolderID
	for _, seg := range folderPath {
		f := s.findFolder(seg, parent)
		if f == nil {
			return nil, time.Time{}, false
		}
		parent = f.id
	}
	f := s.findFile(name, parent)
	if f == nil {
		return nil, time.Time{}, false
	}
	return bytes.Clone(f.data), f.modifiedAt, true
}

// CountFolders counts the folders called name under any parent.
func (s *Store) CountFolders(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range s.folders {
		if f.name == name {
			n++
		}
	}
	return n
}

func (s *Store) failFor(op, name string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op, name)
}

// findFolder and findFile pick the oldest match when names repeat. Map
// order is random, so ties are broken by id.
func (s *Store) findFolder(name string, parent remote.FolderID) *folder {
	var found *folder
	for _, f := range s.folders {
		if f.name == name && f.parent == parent && (found == nil || f.id < found.id) {
			found = f
		}
	}
	return found
}

func (s *Store) findFile(name string, parent remote.FolderID) *file {
	var found *file
	for _, f := range s.files {
		if f.name == name && f.parent == parent && (found == nil || f.id < found.id) {
			found = f
		}
	}
	return found
}
