package remote_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-sync-service/internal/remote"
	"table-sync-service/internal/remote/memory"
	"table-sync-service/internal/syncerr"
)

func guardOpts() remote.GuardOptions {
	return remote.GuardOptions{
		CallTimeout:         time.Second,
		MaxRetries:          2,
		InitialInterval:     time.Millisecond,
		ConsecutiveFailures: 3,
		BreakerTimeout:      time.Minute,
	}
}

func TestGuardRetriesTransient(t *testing.T) {
	failures := 2
	inner := memory.New(memory.WithFailures(func(op, _ string) error {
		if op == "folder_exists" && failures > 0 {
			failures--
			return syncerr.New(syncerr.TransientNetwork, op, errors.New("reset"))
		}
		return nil
	}))
	g := remote.Guard(inner, guardOpts())

	_, found, err := g.FolderExists(context.Background(), "app", "")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 3, inner.Calls("folder_exists"))
}

func TestGuardDoesNotRetryPermanent(t *testing.T) {
	inner := memory.New(memory.WithFailures(func(op, _ string) error {
		if op == "authenticate" {
			return syncerr.New(syncerr.Authentication, op, errors.New("denied"))
		}
		return nil
	}))
	g := remote.Guard(inner, guardOpts())

	err := g.EnsureAuthenticated(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.Authentication))
	assert.Equal(t, 1, inner.Calls("authenticate"))
}

func TestGuardBreakerOpens(t *testing.T) {
	inner := memory.New(memory.WithFailures(func(op, _ string) error {
		return syncerr.New(syncerr.TransientNetwork, op, errors.New("unreachable"))
	}))
	opts := guardOpts()
	opts.MaxRetries = 0
	g := remote.Guard(inner, opts)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := g.FileExists(ctx, "7.json", "p")
		require.Error(t, err)
	}

	_, _, err := g.FileExists(ctx, "7.json", "p")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.TransientNetwork))
	assert.Equal(t, 3, inner.Calls("file_exists"), "open breaker fails fast")
}

func TestGuardReplaysUploadBody(t *testing.T) {
	failures := 1
	inner := memory.New(memory.WithFailures(func(op, _ string) error {
		if op == "upload" && failures > 0 {
			failures--
			return syncerr.New(syncerr.TransientNetwork, op, errors.New("reset"))
		}
		return nil
	}))
	g := remote.Guard(inner, guardOpts())
	ctx := context.Background()

	parent, err := g.CreateFolder(ctx, "orders", "")
	require.NoError(t, err)
	id, err := g.UploadFile(ctx, strings.NewReader(`{"id":7}`), "7.json", parent)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, g.DownloadFile(ctx, id, &buf))
	assert.Equal(t, `{"id":7}`, buf.String())
}

func TestGuardTimeoutIsTransient(t *testing.T) {
	g := remote.Guard(slowStore{ObjectStore: memory.New()}, remote.GuardOptions{
		CallTimeout:     10 * time.Millisecond,
		InitialInterval: time.Millisecond,
	})

	err := g.EnsureAuthenticated(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.TransientNetwork))
}

type slowStore struct {
	remote.ObjectStore
}

func (slowStore) EnsureAuthenticated(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
