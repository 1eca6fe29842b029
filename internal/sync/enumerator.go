package sync

import (
	"container/heap"
	"context"
	"time"

	"go.uber.org/zap"

	"table-sync-service/internal/database"
	"table-sync-service/internal/logger"
	"table-sync-service/internal/remote"
	"table-sync-service/internal/snapshot"
)

const localPageSize = 256

// Enumerator lists the records each side changed after the watermark.
type Enumerator struct {
	db     *database.Database
	remote remote.ObjectStore
}

func NewEnumerator(db *database.Database, r remote.ObjectStore) *Enumerator {
	return &Enumerator{db: db, remote: r}
}

// LocalIterator yields the local changes of one table, reading the table
// a page at a time. It is single pass.
type LocalIterator struct {
	db     *database.Database
	table  *database.Table
	since  int64
	cursor database.Cursor
	page   []*database.Record
	done   bool
	cur    Candidate
	err    error
}

func (e *Enumerator) LocalChanges(ctx context.Context, t *database.Table, since int64) *LocalIterator {
	return &LocalIterator{db: e.db, table: t, since: since}
}

func (it *LocalIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if len(it.page) == 0 {
		if it.done {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			return false
		}
	}

	rec := it.page[0]
	it.page = it.page[1:]
	it.cur = Candidate{
		Source:    SourceLocal,
		Table:     it.table.Name,
		Key:       rec.Key,
		Timestamp: rec.Updated,
		Record:    rec,
	}
	return true
}

func (it *LocalIterator) fetch(ctx context.Context) error {
	rows, err := it.db.QueryChangedRecords(ctx, it.table, it.since, it.cursor, localPageSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec := rows.Record()
		it.page = append(it.page, rec)
		it.cursor = it.cursor.Advance(it.table, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	it.done = len(it.page) < localPageSize
	return nil
}

func (it *LocalIterator) Candidate() Candidate {
	return it.cur
}

func (it *LocalIterator) Err() error {
	return it.err
}

// RemoteChanges lists the record files of a table folder modified after
// since, oldest first.
func (e *Enumerator) RemoteChanges(ctx context.Context, m *TableMapping, since int64) ([]Candidate, error) {
	files, err := e.remote.ListFilesModifiedAfter(ctx, m.RemoteFolderID, time.Unix(since, 0))
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(files))
	for _, f := range files {
		key, ok := snapshot.KeyFromFileName(f.Name)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{
			Source:    SourceRemote,
			Table:     m.Name,
			Key:       key,
			Timestamp: At(f.ModifiedAt.Unix()),
			FileID:    f.ID,
		})
	}
	return candidates, nil
}

// CandidateStream merges the changes of every table and both sides into a
// single sequence, oldest first. Never-synced local rows come first.
type CandidateStream struct {
	ctx      context.Context
	heap     candidateHeap
	sources  []candidateSource
	complete bool
}

type candidateSource interface {
	next(ctx context.Context) (Candidate, bool, error)
}

type localSource struct {
	it *LocalIterator
}

func (s *localSource) next(ctx context.Context) (Candidate, bool, error) {
	if s.it.Next(ctx) {
		return s.it.Candidate(), true, nil
	}
	return Candidate{}, false, s.it.Err()
}

type remoteSource struct {
	candidates []Candidate
}

func (s *remoteSource) next(context.Context) (Candidate, bool, error) {
	if len(s.candidates) == 0 {
		return Candidate{}, false, nil
	}
	c := s.candidates[0]
	s.candidates = s.candidates[1:]
	return c, true, nil
}

// Stream opens the merged candidate sequence of mappings. A listing that
// fails is left out and marks the stream incomplete.
func (e *Enumerator) Stream(ctx context.Context, mappings []*TableMapping, since int64) *CandidateStream {
	s := &CandidateStream{ctx: ctx, complete: true}

	for _, m := range mappings {
		s.sources = append(s.sources, &localSource{it: e.LocalChanges(ctx, m.Table, since)})

		candidates, err := e.RemoteChanges(ctx, m, since)
		if err != nil {
			logger.Log.Error("Failed to list remote changes", zap.String("table", m.Name), zap.Error(err))
			s.complete = false
			continue
		}
		s.sources = append(s.sources, &remoteSource{candidates: candidates})
	}

	for i := range s.sources {
		s.pull(i)
	}
	heap.Init(&s.heap)
	return s
}

// Next returns the oldest remaining candidate.
func (s *CandidateStream) Next() (Candidate, bool) {
	if s.heap.Len() == 0 {
		return Candidate{}, false
	}
	top := heap.Pop(&s.heap).(heapItem)
	if c, ok := s.read(top.source); ok {
		heap.Push(&s.heap, heapItem{candidate: c, source: top.source})
	}
	return top.candidate, true
}

// Complete reports whether every listing succeeded so far.
func (s *CandidateStream) Complete() bool {
	return s.complete
}

func (s *CandidateStream) pull(i int) {
	if c, ok := s.read(i); ok {
		s.heap = append(s.heap, heapItem{candidate: c, source: i})
	}
}

func (s *CandidateStream) read(i int) (Candidate, bool) {
	c, ok, err := s.sources[i].next(s.ctx)
	if err != nil {
		logger.Log.Error("Failed to list local changes", zap.Error(err))
		s.complete = false
	}
	return c, ok
}

type heapItem struct {
	candidate Candidate
	source    int
}

type candidateHeap []heapItem

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i].candidate, h[j].candidate
	if a.Timestamp.Valid != b.Timestamp.Valid {
		return !a.Timestamp.Valid
	}
	if a.Timestamp.Int64 != b.Timestamp.Int64 {
		return a.Timestamp.Int64 < b.Timestamp.Int64
	}
	if a.Table != b.Table {
		return a.Table < b.Table
	}
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.Source < b.Source
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(heapItem))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
