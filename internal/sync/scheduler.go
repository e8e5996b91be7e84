package sync

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"

	types "github.com/listkit/gtm-backend/internal/domain"
	"github.com/listkit/gtm-backend/internal/platform/logger"
)

// ScheduleConfig holds the cron expressions for the two pipeline cadences.
type ScheduleConfig struct {
	IncrementalCron string
	FullCron        string
}

func ScheduleFromEnv() ScheduleConfig {
	cfg := ScheduleConfig{
		IncrementalCron: strings.TrimSpace(os.Getenv("SYNC_INCREMENTAL_CRON")),
		FullCron:        strings.TrimSpace(os.Getenv("SYNC_FULL_CRON")),
	}
	if cfg.IncrementalCron == "" {
		cfg.IncrementalCron = "*/30 * * * *"
	}
	if cfg.FullCron == "" {
		cfg.FullCron = "0 3 * * *"
	}
	return cfg
}

// Scheduler runs the orchestrator on cron cadences. Overlapping passes are
// skipped, not queued: a slow incremental run swallows the next tick.
type Scheduler struct {
	cron *cron.Cron
	orch *Orchestrator
	log  *logger.Logger
}

func NewScheduler(orch *Orchestrator, cfg ScheduleConfig, baseLog *logger.Logger) (*Scheduler, error) {
	log := baseLog.With("component", "scheduler")
	cl := &cronLogger{log: log}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))

	s := &Scheduler{cron: c, orch: orch, log: log}

	if _, err := c.AddFunc(cfg.IncrementalCron, func() { s.run(types.ModeIncremental) }); err != nil {
		return nil, fmt.Errorf("bad incremental cron %q: %w", cfg.IncrementalCron, err)
	}
	if _, err := c.AddFunc(cfg.FullCron, func() { s.run(types.ModeFull) }); err != nil {
		return nil, fmt.Errorf("bad full cron %q: %w", cfg.FullCron, err)
	}

	return s, nil
}

func (s *Scheduler) run(mode string) {
	s.log.Info("scheduled sync starting", "mode", mode)
	if _, err := s.orch.Run(context.Background(), mode); err != nil {
		s.log.Error("scheduled sync failed", "mode", mode, "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts scheduling and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// cronLogger adapts our logger to the cron.Logger interface.
type cronLogger struct {
	log *logger.Logger
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info("cron: "+msg, keysAndValues...)
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	kvs := append([]interface{}{"error", err}, keysAndValues...)
	c.log.Error("cron: "+msg, kvs...)
}
