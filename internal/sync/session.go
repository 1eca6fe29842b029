package sync

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/snapshot"
	"table-sync-service/internal/syncerr"
)

// sessionRun is the state of one pass over the candidates.
type sessionRun struct {
	db        *database.Database
	remote    remote.ObjectStore
	snapshots *snapshot.Store
	conflicts *ConflictRecorder
	mappings  map[string]*TableMapping

	// since is the watermark the pass started from; stamp is the
	// timestamp given to rows that were never synced.
	since int64
	stamp int64

	// budget caps transfers. Nil means unlimited.
	budget   *semaphore.Weighted
	maxItems int64
	used     atomic.Int64

	mu        sync.Mutex
	result    *Result
	truncated bool
	// minFailed is the oldest timestamp of a record that failed.
	minFailed int64
	hasFailed bool
}

func newSessionRun(maxItems int) *sessionRun {
	r := &sessionRun{mappings: make(map[string]*TableMapping)}
	if maxItems > 0 {
		r.budget = semaphore.NewWeighted(int64(maxItems))
		r.maxItems = int64(maxItems)
	}
	return r
}

// acquire takes one transfer from the budget. Transfers are never given
// back, so the budget bounds the number of records moved in a pass.
func (r *sessionRun) acquire() bool {
	if r.budget == nil {
		return true
	}
	if !r.budget.TryAcquire(1) {
		return false
	}
	r.used.Add(1)
	return true
}

// exhausted reports whether every transfer of the budget is taken.
func (r *sessionRun) exhausted() bool {
	return r.budget != nil && r.used.Load() >= r.maxItems
}

func (r *sessionRun) process(ctx context.Context, c Candidate) {
	o := r.handle(ctx, c)
	o.Table, o.Key = c.Table, c.Key

	fields := []zap.Field{
		zap.String("table", c.Table),
		zap.String("key", c.Key),
		zap.Stringer("action", o.Action),
		zap.String("status", string(o.Status)),
	}
	switch o.Status {
	case StatusFailed:
		logger.Log.Error("Record failed", append(fields, zap.String("kind", string(o.Kind)), zap.String("reason", o.Reason))...)
	case StatusSkipped:
		if o.Warning {
			logger.Log.Warn("Record skipped", append(fields, zap.String("reason", o.Reason))...)
		} else {
			logger.Log.Debug("Record skipped", append(fields, zap.String("reason", o.Reason))...)
		}
	default:
		logger.Log.Debug("Record processed", fields...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.add(o)
	switch o.Status {
	case StatusDeferred:
		r.truncated = true
	case StatusFailed:
		if c.Timestamp.Valid && (!r.hasFailed || c.Timestamp.Int64 < r.minFailed) {
			r.minFailed = c.Timestamp.Int64
			r.hasFailed = true
		}
	}
}

func (r *sessionRun) handle(ctx context.Context, c Candidate) RecordOutcome {
	m, ok := r.mappings[c.Table]
	if !ok {
		return failed(ActionSkip, syncerr.New(syncerr.Internal, "lookup table", errors.New("table is not mapped")))
	}
	if r.exhausted() {
		return RecordOutcome{Action: ActionSkip, Status: StatusDeferred, Reason: "transfer budget exhausted"}
	}

	rec := c.Record
	if rec == nil {
		var err error
		rec, err = r.db.GetRecord(ctx, m.Table, c.Key)
		if errors.Is(err, database.ErrNoRecord) {
			rec = nil
		} else if err != nil {
			return failed(ActionSkip, syncerr.Wrap(syncerr.Internal, "load record", err))
		}
	}

	snap, err := r.snapshots.Load(c.Table, c.Key)
	if errors.Is(err, snapshot.ErrNotFound) {
		snap = nil
	} else if err != nil {
		logger.Log.Warn("Ignoring unreadable snapshot",
			zap.String("table", c.Table),
			zap.String("key", c.Key),
			zap.Error(err),
		)
		snap = nil
	}

	fileID := c.FileID
	if fileID == "" {
		id, found, err := r.remote.FileExists(ctx, snapshot.FileName(c.Key), m.RemoteFolderID)
		if err != nil {
			return failed(ActionSkip, err)
		}
		if found {
			fileID = id
		}
	}

	var theirs *snapshot.Snapshot
	if fileID != "" {
		theirs, err = r.download(ctx, c.Table, c.Key, fileID)
		if err != nil {
			return failed(ActionSkip, err)
		}
	}

	in := Input{Watermark: r.since}
	needsStamp := false
	switch {
	case rec == nil:
	case rec.Updated.Valid:
		in.Local = At(rec.Updated.Int64)
	case theirs != nil:
		// A never-synced row is older than any copy already on the remote.
		in.Local = At(0)
	default:
		in.Local = At(r.stamp)
		needsStamp = true
	}
	if snap != nil {
		in.Snapshot = At(snap.SyncUpdated)
	}
	if theirs != nil {
		in.Remote = At(theirs.SyncUpdated)
	}

	res := Resolve(in)
	switch res.Action {
	case ActionPush:
		if !r.acquire() {
			return RecordOutcome{Action: res.Action, Status: StatusDeferred, Reason: "transfer budget exhausted"}
		}
		if err := r.push(ctx, m, rec, in.Local.Int64, needsStamp); err != nil {
			return failed(ActionPush, err)
		}
		return RecordOutcome{Action: ActionPush, Status: StatusPushed, Reason: res.Reason}

	case ActionPull:
		if !r.acquire() {
			return RecordOutcome{Action: res.Action, Status: StatusDeferred, Reason: "transfer budget exhausted"}
		}
		if err := r.pull(ctx, m, c.Key, theirs); err != nil {
			return failed(ActionPull, err)
		}
		return RecordOutcome{Action: ActionPull, Status: StatusPulled, Reason: res.Reason}

	default:
		o := RecordOutcome{Action: ActionSkip, Status: StatusSkipped, Reason: res.Reason}
		if res.Ambiguous {
			o.Kind = syncerr.ConflictAmbiguity
			if err := r.conflicts.Record(ctx, c.Table, c.Key, rec.Fields, theirs.Fields); err != nil {
				logger.Log.Error("Failed to record conflict", zap.Error(err))
			}
		}
		return o
	}
}

// download fetches a remote payload through the incoming staging file.
func (r *sessionRun) download(ctx context.Context, table, key string, id remote.FileID) (*snapshot.Snapshot, error) {
	f, p, err := r.snapshots.CreateIncoming(table, key)
	if err != nil {
		return nil, syncerr.New(syncerr.Internal, "stage download", err)
	}
	defer func() {
		if err := r.snapshots.Remove(p); err != nil {
			logger.Log.Warn("Failed to remove download", zap.String("path", p), zap.Error(err))
		}
	}()

	err = r.remote.DownloadFile(ctx, id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	data, err := r.snapshots.ReadFile(p)
	if err != nil {
		return nil, syncerr.New(syncerr.Internal, "read download", err)
	}
	return snapshot.Parse(data)
}

// push uploads the local row. The snapshot is replaced only after the
// upload succeeded.
func (r *sessionRun) push(ctx context.Context, m *TableMapping, rec *database.Record, ts int64, needsStamp bool) error {
	fields := maps.Clone(rec.Fields)
	if needsStamp {
		fields[m.TimestampColumn] = ts
	}
	payload := &snapshot.Snapshot{Fields: fields, SyncUpdated: ts}

	p, err := r.snapshots.Stage(m.Name, rec.Key, payload)
	if err != nil {
		return syncerr.Wrap(syncerr.Internal, "stage upload", err)
	}
	f, err := r.snapshots.Open(p)
	if err != nil {
		r.discard(m.Name, rec.Key)
		return syncerr.New(syncerr.Internal, "open staged upload", err)
	}
	_, err = r.remote.UploadFile(ctx, f, snapshot.FileName(rec.Key), m.RemoteFolderID)
	if cerr := f.Close(); cerr != nil {
		logger.Log.Warn("Failed to close staged upload", zap.String("path", p), zap.Error(cerr))
	}
	if err != nil {
		r.discard(m.Name, rec.Key)
		return err
	}

	if err := r.snapshots.Commit(m.Name, rec.Key); err != nil {
		return syncerr.New(syncerr.Internal, "commit snapshot", err)
	}
	if needsStamp {
		if err := r.db.StampRecord(ctx, m.Table, rec.Key, ts); err != nil {
			return syncerr.New(syncerr.Internal, "stamp record", err)
		}
	}
	return nil
}

func (r *sessionRun) discard(table, key string) {
	if err := r.snapshots.Discard(table, key); err != nil {
		logger.Log.Warn("Failed to discard staged upload",
			zap.String("table", table),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// pull applies a remote payload to the local row and records it as the
// new snapshot.
func (r *sessionRun) pull(ctx context.Context, m *TableMapping, key string, theirs *snapshot.Snapshot) error {
	fields := maps.Clone(theirs.Fields)
	fields[m.TimestampColumn] = theirs.SyncUpdated

	if err := r.db.ApplyRecord(ctx, m.Table, key, fields); err != nil {
		return syncerr.New(syncerr.Internal, "apply record", err)
	}
	if err := r.snapshots.Save(m.Name, key, theirs); err != nil {
		return syncerr.New(syncerr.Internal, "save snapshot", err)
	}
	return nil
}

// failed turns err into an outcome. Malformed payloads are skipped with a
// warning instead of failing.
func failed(action Action, err error) RecordOutcome {
	kind := syncerr.KindOf(err)
	if kind == syncerr.Serialization {
		return RecordOutcome{Action: action, Status: StatusSkipped, Reason: err.Error(), Kind: kind, Warning: true}
	}
	return RecordOutcome{Action: action, Status: StatusFailed, Reason: err.Error(), Kind: kind}
}

// nextWatermark is where the watermark moves after a complete pass: to
// target, but before the oldest failed record and never backwards.
func (r *sessionRun) nextWatermark(target int64) int64 {
	if r.hasFailed && r.minFailed-1 < target {
		target = r.minFailed - 1
	}
	if target < r.since {
		return r.since
	}
	return target
}
