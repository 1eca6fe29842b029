package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"table-sync-service/internal/logger"
	"table-sync-service/internal/syncerr"
)

type GuardOptions struct {
	// CallTimeout bounds every single attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

func (o GuardOptions) withDefaults() GuardOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.ConsecutiveFailures == 0 {
		o.ConsecutiveFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// Guarded wraps an ObjectStore so that every call has a deadline, transient
// failures are retried with exponential backoff, and a run of failures
// trips a circuit breaker that fails the remaining calls fast.
type Guarded struct {
	inner ObjectStore
	opts  GuardOptions
	cb    *gobreaker.CircuitBreaker
}

func Guard(inner ObjectStore, opts GuardOptions) *Guarded {
	opts = opts.withDefaults()
	return &Guarded{
		inner: inner,
		opts:  opts,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-store",
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !syncerr.IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Log.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Unwrap returns the guarded store.
func (g *Guarded) Unwrap() ObjectStore {
	return g.inner
}

func (g *Guarded) SessionInfo() string {
	if p, ok := g.inner.(SessionInfoProvider); ok {
		return p.SessionInfo()
	}
	return ""
}

func (g *Guarded) EnsureAuthenticated(ctx context.Context) error {
	return g.do(ctx, "authenticate", func(ctx context.Context) error {
		return g.inner.EnsureAuthenticated(ctx)
	})
}

func (g *Guarded) FolderExists(ctx context.Context, name string, parent FolderID) (FolderID, bool, error) {
	var (
		id    FolderID
		found bool
	)
	err := g.do(ctx, "folder exists", func(ctx context.Context) error {
		var err error
		id, found, err = g.inner.FolderExists(ctx, name, parent)
		return err
	})
	return id, found, err
}

func (g *Guarded) CreateFolder(ctx context.Context, name string, parent FolderID) (FolderID, error) {
	var id FolderID
	err := g.do(ctx, "create folder", func(ctx context.Context) error {
		var err error
		id, err = g.inner.CreateFolder(ctx, name, parent)
		return err
	})
	return id, err
}

func (g *Guarded) FileExists(ctx context.Context, name string, parent FolderID) (FileID, bool, error) {
	var (
		id    FileID
		found bool
	)
	err := g.do(ctx, "file exists", func(ctx context.Context) error {
		var err error
		id, found, err = g.inner.FileExists(ctx, name, parent)
		return err
	})
	return id, found, err
}

// UploadFile buffers r so that a retried attempt sends the same bytes.
func (g *Guarded) UploadFile(ctx context.Context, r io.Reader, name string, parent FolderID) (FileID, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	var id FileID
	err = g.do(ctx, "upload file", func(ctx context.Context) error {
		var err error
		id, err = g.inner.UploadFile(ctx, bytes.NewReader(payload), name, parent)
		return err
	})
	return id, err
}

// DownloadFile writes to w only once an attempt completed.
func (g *Guarded) DownloadFile(ctx context.Context, id FileID, w io.Writer) error {
	var buf bytes.Buffer
	err := g.do(ctx, "download file", func(ctx context.Context) error {
		buf.Reset()
		return g.inner.DownloadFile(ctx, id, &buf)
	})
	if err != nil {
		return err
	}
	_, err = buf.WriteTo(w)
	return err
}

func (g *Guarded) DeleteFile(ctx context.Context, id FileID) error {
	return g.do(ctx, "delete file", func(ctx context.Context) error {
		return g.inner.DeleteFile(ctx, id)
	})
}

func (g *Guarded) ListFilesModifiedAfter(ctx context.Context, parent FolderID, t time.Time) ([]FileInfo, error) {
	var files []FileInfo
	err := g.do(ctx, "list files", func(ctx context.Context) error {
		var err error
		files, err = g.inner.ListFilesModifiedAfter(ctx, parent, t)
		return err
	})
	return files, err
}

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	operation := func() error {
		_, err := g.cb.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
			defer cancel()

			err := fn(callCtx)
			if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
				// The attempt ran out of time, not the session.
				err = syncerr.New(syncerr.TransientNetwork, op, callCtx.Err())
			}
			return nil, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(syncerr.New(syncerr.TransientNetwork, op, err))
		}
		if err != nil && (!syncerr.IsTransient(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.opts.InitialInterval
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.opts.MaxRetries)), ctx)

	err := backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		logger.Log.Debug("Retrying remote call",
			zap.String("op", op),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return syncerr.Wrap(syncerr.TransientNetwork, op, err)
	}
	return syncerr.Wrap(syncerr.KindOf(err), op, err)
}
