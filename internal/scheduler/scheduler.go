// Package scheduler runs the background maintenance jobs: rate-window and
// usage-event retention, disabled-key revival and periodic health checks.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/upstream"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron instance and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	db     db.Service
	pool   upstream.Manager
	cfg    config.SchedulerConfig
	logger *slog.Logger
}

// New creates a scheduler with all maintenance jobs registered.
func New(dbService db.Service, pool upstream.Manager, cfg config.SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		db:     dbService,
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
	}

	if _, err := s.cron.AddFunc("@hourly", s.pruneRateWindows); err != nil {
		return nil, fmt.Errorf("failed to schedule rate window pruning: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", s.pruneUsageEvents); err != nil {
		return nil, fmt.Errorf("failed to schedule usage event pruning: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.KeyRevivalInterval, s.reviveKeys); err != nil {
		return nil, fmt.Errorf("failed to schedule key revival: %w", err)
	}
	if _, err := s.cron.AddFunc("@daily", s.checkKeysHealth); err != nil {
		return nil, fmt.Errorf("failed to schedule key health checks: %w", err)
	}

	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("Starting background scheduler",
		"key_revival_interval", s.cfg.KeyRevivalInterval,
		"usage_retention_days", s.cfg.UsageRetentionDays,
		"window_retention_hours", s.cfg.WindowRetentionHours)
	s.cron.Start()
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Background scheduler stopped")
}

func (s *Scheduler) pruneRateWindows() {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.WindowRetentionHours) * time.Hour)
	deleted, err := s.db.DeleteRateWindowsBefore(cutoff)
	if err != nil {
		s.logger.Error("Failed to prune rate windows", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("Pruned expired rate windows", "deleted", deleted, "cutoff", cutoff)
	}
}

func (s *Scheduler) pruneUsageEvents() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.UsageRetentionDays)
	deleted, err := s.db.DeleteUsageEventsBefore(cutoff)
	if err != nil {
		s.logger.Error("Failed to prune usage events", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("Pruned old usage events", "deleted", deleted, "cutoff", cutoff)
	}
}

func (s *Scheduler) reviveKeys() {
	s.pool.ReviveDisabledKeys()
}

func (s *Scheduler) checkKeysHealth() {
	s.pool.CheckAllKeysHealth()
}
