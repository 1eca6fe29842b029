package snapshot

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-sync-service/internal/syncerr"
)

func TestLoadMissing(t *testing.T) {
	s := New(memfs.New(), "app")

	_, err := s.Load("orders", "7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndLoad(t *testing.T) {
	fs := memfs.New()
	s := New(fs, "app")
	require.NoError(t, s.EnsureFolder("orders"))

	snap := &Snapshot{Fields: map[string]any{"id": 7, "item": "widget"}, SyncUpdated: 100}
	require.NoError(t, s.Save("orders", "7", snap))

	got, err := s.Load("orders", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.SyncUpdated)
	assert.Equal(t, "widget", got.Fields["item"])
	assert.Equal(t, json.Number("7"), got.Fields["id"])

	data, err := util.ReadFile(fs, "app/orders/7.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sync_updated": 100`)
}

func TestStageCommitDiscard(t *testing.T) {
	s := New(memfs.New(), "app")

	p, err := s.Stage("orders", "7", &Snapshot{Fields: map[string]any{"id": 7}, SyncUpdated: 5})
	require.NoError(t, err)

	f, err := s.Open(p)
	require.NoError(t, err)
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Contains(t, string(body), `"sync_updated": 5`)

	_, err = s.Load("orders", "7")
	assert.ErrorIs(t, err, ErrNotFound, "staging does not touch the snapshot")

	require.NoError(t, s.Commit("orders", "7"))
	got, err := s.Load("orders", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.SyncUpdated)

	_, err = s.Stage("orders", "8", &Snapshot{Fields: map[string]any{"id": 8}, SyncUpdated: 6})
	require.NoError(t, err)
	require.NoError(t, s.Discard("orders", "8"))
	require.NoError(t, s.Discard("orders", "8"), "discard is idempotent")
	assert.Error(t, s.Commit("orders", "8"))
}

func TestIncoming(t *testing.T) {
	s := New(memfs.New(), "app")

	f, p, err := s.CreateIncoming("orders", "7")
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"id":"7","sync_updated":"200"}`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := s.ReadFile(p)
	require.NoError(t, err)
	snap, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, int64(200), snap.SyncUpdated, "quoted timestamps are accepted")

	require.NoError(t, s.Remove(p))
	require.NoError(t, s.Remove(p))
}

func TestParseErrors(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":        `{"id":`,
		"not an object":   `null`,
		"no timestamp":    `{"id":7}`,
		"bogus timestamp": `{"id":7,"sync_updated":"soon"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(payload))
			require.Error(t, err)
			assert.True(t, syncerr.Is(err, syncerr.Serialization))
		})
	}
}

func TestKeyFromFileName(t *testing.T) {
	key, ok := KeyFromFileName("7.json")
	assert.True(t, ok)
	assert.Equal(t, "7", key)

	_, ok = KeyFromFileName("notes.txt")
	assert.False(t, ok)
	_, ok = KeyFromFileName(".json")
	assert.False(t, ok)
}
