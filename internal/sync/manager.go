package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/snapshot"
	"table-sync-service/internal/store"
	"table-sync-service/internal/syncerr"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// DefaultTimestampColumn is used for tables without an override.
const DefaultTimestampColumn = snapshot.TimestampField

var ErrSessionInProgress = errors.New("sync session already in progress")

// Manager runs sync sessions against one local database. Only one session
// runs at a time.
type Manager struct {
	cfg    *config.Config
	db     *database.Database
	store  store.Store
	remote remote.ObjectStore

	conflicts *ConflictRecorder
	fs        billy.Filesystem
	now       func() time.Time

	binlogListener *BinlogListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	status     string
	lastResult *Result
}

type Option func(*Manager)

// WithClock replaces the clock used for stamps and the watermark.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFilesystem roots the staging area in fs instead of the session's
// temporary folder.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(m *Manager) { m.fs = fs }
}

func NewManager(cfg *config.Config, db *database.Database, st store.Store, r remote.ObjectStore, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		db:        db,
		store:     st,
		remote:    r,
		conflicts: NewConflictRecorder(st),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		status:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.conflicts.now = m.now
	return m
}

// LoadSession returns the persisted session, seeding it from the
// configuration the first time.
func (m *Manager) LoadSession(ctx context.Context) (*store.Session, error) {
	sess, err := m.store.LoadSession(ctx)
	if errors.Is(err, store.ErrNoSession) {
		return m.InitSession(ctx)
	}
	return sess, err
}

// InitSession re-creates the session from the configuration. The
// watermark starts over, so the next session re-examines every record.
func (m *Manager) InitSession(ctx context.Context) (*store.Session, error) {
	sc := m.cfg.Session
	sess := &store.Session{
		LastSyncTime:    0,
		SessionInfo:     sc.SessionInfo,
		MaxItemsToSync:  sc.MaxItemsToSync,
		ServiceType:     sc.ServiceType,
		ApplicationName: sc.ApplicationName,
		TemporaryFolder: sc.TemporaryFolder,
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create sync session: %w", err)
	}
	logger.Log.Info("Created sync session",
		zap.String("application", sess.ApplicationName),
		zap.String("service", sess.ServiceType),
	)
	return sess, nil
}

// RunSession runs one session and waits for it. The returned result is
// set even when the session failed.
func (m *Manager) RunSession(ctx context.Context) (*Result, error) {
	if err := m.begin(); err != nil {
		return &Result{StartedAt: m.now(), Error: &ResultError{Kind: syncerr.Internal, Message: err.Error()}}, err
	}
	return m.run(ctx)
}

// Trigger starts a session in the background.
func (m *Manager) Trigger() error {
	if err := m.begin(); err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.run(m.ctx); err != nil {
			logger.Log.Error("Sync session failed", zap.Error(err))
		}
	}()
	return nil
}

func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StateRunning {
		return ErrSessionInProgress
	}
	m.status = StateRunning
	return nil
}

func (m *Manager) finish(result *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StateIdle
	m.lastResult = result
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// Close stops the realtime trigger and waits for a background session.
func (m *Manager) Close() {
	m.StopRealtime()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) (*Result, error) {
	result := &Result{SessionID: uuid.New().String(), StartedAt: m.now()}
	defer m.finish(result)

	logger.Log.Info("Starting sync session", zap.String("session_id", result.SessionID))

	history := &store.SyncHistory{ID: result.SessionID, StartedAt: result.StartedAt, Status: "running"}

	sess, err := m.LoadSession(ctx)
	if err != nil {
		err = syncerr.Wrap(syncerr.Internal, "load session", err)
		result.fail(err)
		result.CompletedAt = m.now()
		return result, err
	}
	result.WatermarkBefore = sess.LastSyncTime
	result.WatermarkAfter = sess.LastSyncTime
	history.WatermarkBefore = sess.LastSyncTime

	if err := m.store.CreateSyncHistory(ctx, history); err != nil {
		logger.Log.Error("Failed to record sync history", zap.Error(err))
	}

	err = m.runSession(ctx, sess, result)
	result.CompletedAt = m.now()
	if err != nil {
		result.fail(err)
		logger.Log.Error("Sync session aborted",
			zap.String("session_id", result.SessionID),
			zap.String("kind", string(result.Error.Kind)),
			zap.Error(err),
		)
	} else {
		logger.Log.Info("Sync session finished",
			zap.String("session_id", result.SessionID),
			zap.Int("pushed", result.Pushed),
			zap.Int("pulled", result.Pulled),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
			zap.Int("deferred", result.Deferred),
			zap.Bool("truncated", result.Truncated),
			zap.Int64("watermark", result.WatermarkAfter),
		)
	}

	m.recordHistory(history, result)
	return result, err
}

func (m *Manager) runSession(ctx context.Context, sess *store.Session, result *Result) error {
	if err := m.remote.EnsureAuthenticated(ctx); err != nil {
		return syncerr.Wrap(syncerr.Authentication, "authenticate", err)
	}

	tables, err := m.Tables(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, "list tables", err)
	}
	result.Tables = lo.Map(tables, func(t *database.Table, _ int) string { return t.Name })

	snapshots := m.snapshotStore(sess)
	mappings, err := NewFolderMapper(m.remote, snapshots).Resolve(ctx, sess.ApplicationName, tables)
	if err != nil {
		return err
	}

	now := m.now()
	run := newSessionRun(sess.MaxItemsToSync)
	run.db = m.db
	run.remote = m.remote
	run.snapshots = snapshots
	run.conflicts = m.conflicts
	run.since = sess.LastSyncTime
	run.stamp = now.Unix()
	run.result = result
	for _, mp := range mappings {
		run.mappings[mp.Name] = mp
	}

	stream := NewEnumerator(m.db, m.remote).Stream(ctx, mappings, sess.LastSyncTime)

	pool := NewWorkerPool(ctx, m.cfg.Sync.Workers, run.process)
	pool.Start()

	seen := make(map[string]struct{})
	for {
		c, ok := stream.Next()
		if !ok {
			break
		}
		id := c.Table + "/" + c.Key
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !pool.Submit(c) {
			break
		}
	}
	pool.Wait()

	result.Truncated = run.truncated
	complete := stream.Complete() && !run.truncated && ctx.Err() == nil
	if complete {
		result.WatermarkAfter = run.nextWatermark(now.Add(-m.cfg.Sync.GetClockSkew()).Unix())
	} else {
		logger.Log.Warn("Enumeration incomplete, keeping watermark",
			zap.Int64("watermark", sess.LastSyncTime),
			zap.Bool("truncated", run.truncated),
		)
	}

	if ctx.Err() != nil {
		return syncerr.New(syncerr.TransientNetwork, "session", ctx.Err())
	}

	sess.LastSyncTime = result.WatermarkAfter
	if p, ok := m.remote.(remote.SessionInfoProvider); ok {
		if info := p.SessionInfo(); info != "" {
			sess.SessionInfo = info
		}
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		result.WatermarkAfter = result.WatermarkBefore
		return syncerr.Wrap(syncerr.Internal, "save session", err)
	}
	return nil
}

// Tables returns the tables to sync: the configured ones, or every user
// table that has the default timestamp column.
func (m *Manager) Tables(ctx context.Context) ([]*database.Table, error) {
	if len(m.cfg.Sync.Tables) > 0 {
		tables := make([]*database.Table, 0, len(m.cfg.Sync.Tables))
		for _, tc := range m.cfg.Sync.Tables {
			tsCol := lo.Ternary(tc.TimestampColumn != "", tc.TimestampColumn, DefaultTimestampColumn)
			t, err := m.db.DescribeTable(ctx, tc.Name, tc.PrimaryKey, tsCol)
			if err != nil {
				return nil, err
			}
			tables = append(tables, t)
		}
		return tables, nil
	}

	names, err := m.db.ListTables(ctx, store.MetadataTables...)
	if err != nil {
		return nil, err
	}
	var tables []*database.Table
	for _, name := range names {
		t, err := m.db.DescribeTable(ctx, name, "", DefaultTimestampColumn)
		if errors.Is(err, database.ErrNoTimestampColumn) || errors.Is(err, database.ErrNoPrimaryKey) {
			logger.Log.Warn("Skipping table", zap.String("table", name), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (m *Manager) snapshotStore(sess *store.Session) *snapshot.Store {
	if m.fs != nil {
		return snapshot.New(m.fs, sess.ApplicationName)
	}
	return snapshot.NewOS(sess.TemporaryFolder, sess.ApplicationName)
}

func (m *Manager) recordHistory(h *store.SyncHistory, result *Result) {
	h.CompletedAt = sql.NullTime{Time: result.CompletedAt, Valid: true}
	h.TablesSynced = strings.Join(result.Tables, ",")
	h.Pushed = result.Pushed
	h.Pulled = result.Pulled
	h.Skipped = result.Skipped + result.Deferred
	h.Failed = result.Failed
	h.Conflicts = result.Conflicts
	h.Truncated = result.Truncated
	h.WatermarkAfter = result.WatermarkAfter

	switch {
	case result.Error != nil:
		h.Status = "failed"
		h.ErrorKind = sql.NullString{String: string(result.Error.Kind), Valid: true}
		h.ErrorMessage = sql.NullString{String: result.Error.Message, Valid: true}
	case result.Failed > 0 || result.Truncated:
		h.Status = "partial"
	default:
		h.Status = "succeeded"
	}

	// The session context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Error("Failed to record sync history", zap.Error(err))
	}
}
