// Package snapshot keeps the last known JSON view of every synced record
// under {temporaryFolder}/{applicationName}/{table}/{key}.json.
//
// A snapshot is written only after a transfer succeeded, so it always
// describes the state both sides agreed on last. The same staging area
// holds outgoing payloads until their upload is confirmed and incoming
// payloads while they are being parsed.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"table-sync-service/internal/database"
	"table-sync-service/internal/syncerr"
)

// TimestampField carries the record timestamp inside every payload.
const TimestampField = "sync_updated"

const (
	FileExt     = ".json"
	outgoingDir = ".outgoing"
	incomingDir = ".incoming"
)

var ErrNotFound = errors.New("snapshot not found")

type Snapshot struct {
	Fields      map[string]any
	SyncUpdated int64
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[TimestampField] = s.SyncUpdated
	return json.Marshal(out)
}

// Encode renders the payload that is uploaded and stored on disk.
func (s Snapshot) Encode() ([]byte, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return nil, syncerr.New(syncerr.Serialization, "encode snapshot", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return nil, syncerr.New(syncerr.Serialization, "encode snapshot", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a payload. The timestamp may be a number or a numeric
// string.
func Parse(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, syncerr.New(syncerr.Serialization, "decode snapshot", err)
	}
	if fields == nil {
		return nil, syncerr.New(syncerr.Serialization, "decode snapshot", errors.New("payload is not an object"))
	}

	ts, ok := database.ToUnix(fields[TimestampField])
	if !ok {
		return nil, syncerr.New(syncerr.Serialization, "decode snapshot",
			fmt.Errorf("missing or invalid %s", TimestampField))
	}

	return &Snapshot{Fields: fields, SyncUpdated: ts}, nil
}

// Store is the local staging area of one application.
type Store struct {
	fs   billy.Filesystem
	root string
}

func New(fs billy.Filesystem, applicationName string) *Store {
	return &Store{fs: fs, root: applicationName}
}

// NewOS roots the staging area at temporaryFolder on the local disk.
func NewOS(temporaryFolder, applicationName string) *Store {
	return New(osfs.New(temporaryFolder), applicationName)
}

// TableDir is the local folder of table, relative to the staging root.
func (s *Store) TableDir(table string) string {
	return path.Join(s.root, table)
}

func (s *Store) Path(table, key string) string {
	return path.Join(s.root, table, FileName(key))
}

// FileName is the name a record has locally and remotely.
func FileName(key string) string {
	return key + FileExt
}

// KeyFromFileName reverses FileName. ok is false for non-record files.
func KeyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, FileExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	key := strings.TrimSuffix(name, FileExt)
	return key, key != ""
}

// EnsureFolder creates the folder of table if it is missing.
func (s *Store) EnsureFolder(table string) error {
	if err := s.fs.MkdirAll(s.TableDir(table), 0o755); err != nil {
		return fmt.Errorf("failed to create local folder for %s: %w", table, err)
	}
	return nil
}

func (s *Store) Load(table, key string) (*Snapshot, error) {
	data, err := util.ReadFile(s.fs, s.Path(table, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s/%s: %w", table, key, err)
	}
	return Parse(data)
}

// Save replaces the snapshot of a record.
func (s *Store) Save(table, key string, snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	tmp := path.Join(s.root, table, incomingDir, FileName(key)+".tmp")
	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot %s/%s: %w", table, key, err)
	}
	if err := s.fs.Rename(tmp, s.Path(table, key)); err != nil {
		return fmt.Errorf("failed to replace snapshot %s/%s: %w", table, key, err)
	}
	return nil
}

// Stage writes an outgoing payload and returns its path. The snapshot is
// only replaced by Commit.
func (s *Store) Stage(table, key string, snap *Snapshot) (string, error) {
	data, err := snap.Encode()
	if err != nil {
		return "", err
	}
	p := s.stagedPath(table, key)
	if err := util.WriteFile(s.fs, p, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage %s/%s: %w", table, key, err)
	}
	return p, nil
}

// Open opens a staged or incoming file for reading.
func (s *Store) Open(p string) (billy.File, error) {
	return s.fs.Open(p)
}

// Commit turns the staged payload of a record into its snapshot.
func (s *Store) Commit(table, key string) error {
	if err := s.fs.Rename(s.stagedPath(table, key), s.Path(table, key)); err != nil {
		return fmt.Errorf("failed to commit snapshot %s/%s: %w", table, key, err)
	}
	return nil
}

// Discard drops a staged payload whose upload failed.
func (s *Store) Discard(table, key string) error {
	err := s.fs.Remove(s.stagedPath(table, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CreateIncoming creates the file a remote payload is downloaded into.
func (s *Store) CreateIncoming(table, key string) (billy.File, string, error) {
	p := path.Join(s.root, table, incomingDir, FileName(key))
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return nil, "", err
	}
	f, err := s.fs.Create(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download target %s: %w", p, err)
	}
	return f, p, nil
}

func (s *Store) ReadFile(p string) ([]byte, error) {
	return util.ReadFile(s.fs, p)
}

func (s *Store) Remove(p string) error {
	err := s.fs.Remove(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) stagedPath(table, key string) string {
	return path.Join(s.root, table, outgoingDir, FileName(key))
}
