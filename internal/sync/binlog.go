package sync

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
)

// BinlogListener follows the MySQL binlog and calls onChange, debounced,
// whenever a synced table is written to. Rows written by a session itself
// also fire; the following session resolves them to skips.
type BinlogListener struct {
	cfg      config.DatabaseConnection
	canal    *canal.Canal
	tables   map[string]bool
	debounce time.Duration
	onChange func()

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
}

func NewBinlogListener(cfg config.DatabaseConnection, tables []string, debounce time.Duration, onChange func()) (*BinlogListener, error) {
	tableMap := make(map[string]bool)
	var tableRegex []string
	for _, t := range tables {
		tableMap[t] = true
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(cfg.Database), regexp.QuoteMeta(t)))
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: 100,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: tableRegex,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:      cfg,
		canal:    c,
		tables:   tableMap,
		debounce: debounce,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

// Start follows the binlog from its current end.
func (l *BinlogListener) Start() error {
	logger.Log.Info("Starting binlog listener", zap.String("host", l.cfg.Host))

	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read binlog position: %w", err)
	}

	go func() {
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.cancel()
	l.canal.Close()

	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()

	logger.Log.Info("Stopped binlog listener")
}

// notify schedules onChange after the debounce window. Further changes in
// the window push it back.
func (l *BinlogListener) notify() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx.Err() != nil {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() {
		if l.ctx.Err() == nil {
			l.onChange()
		}
	})
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if _, ok := h.listener.tables[e.Table.Name]; !ok {
		return nil
	}

	switch e.Action {
	case canal.InsertAction, canal.UpdateAction:
	default:
		// Deletes are not synced.
		return nil
	}

	logger.Log.Debug("Binlog change",
		zap.String("table", e.Table.Name),
		zap.String("action", e.Action),
		zap.Int("rows", len(e.Rows)),
	)
	h.listener.notify()
	return nil
}

func (h *eventHandler) String() string {
	return "SyncTriggerHandler"
}

// StartRealtime triggers a session whenever a synced MySQL table changes.
func (m *Manager) StartRealtime(ctx context.Context) error {
	if m.cfg.Database.Driver != config.DriverMySQL {
		return fmt.Errorf("realtime sync needs the %s driver", config.DriverMySQL)
	}

	tables, err := m.Tables(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}

	listener, err := NewBinlogListener(m.cfg.Database, names, m.cfg.Sync.GetRealtimeDebounce(), func() {
		if err := m.Trigger(); err != nil {
			logger.Log.Debug("Realtime sync not started", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	if err := listener.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.binlogListener = listener
	m.mu.Unlock()
	return nil
}

func (m *Manager) StopRealtime() {
	m.mu.Lock()
	listener := m.binlogListener
	m.binlogListener = nil
	m.mu.Unlock()

	if listener != nil {
		listener.Stop()
	}
}
