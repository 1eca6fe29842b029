package sync

import (
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"table-sync-service/internal/config"
	"table-sync-service/internal/logger"
)

type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.triggerSync)
	if err != nil {
		return err
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerSync() {
	logger.Log.Info("Triggering scheduled sync")

	if s.manager.GetStatus() == StateRunning {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	if err := s.manager.Trigger(); err != nil {
		if errors.Is(err, ErrSessionInProgress) {
			logger.Log.Info("Sync already running, skipping scheduled run")
			return
		}
		logger.Log.Error("Failed to start scheduled sync", zap.Error(err))
	}
}
