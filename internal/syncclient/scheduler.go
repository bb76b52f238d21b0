package syncclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eternisai/enchanted-sync/internal/logger"
)

const (
	syncTickSchedule    = "@every 5s"
	sessionTickSchedule = "@every 30s"

	// fullSyncInterval floors the time between full reconciliations. Inside
	// the window the 5s tick only flushes buffered updates, no matter what
	// the session check reported.
	fullSyncInterval = 60 * time.Second
)

// Scheduler drives the client's periodic work: a frequent tick that flushes
// buffered updates (escalating to a full reconciliation when due) and a
// slower session check that feeds the not-synced indicator and runs the
// one-time legacy import.
type Scheduler struct {
	client *Client
	cron   *cron.Cron
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds the cron jobs around a client. Jobs skip their run if
// the previous one is still in flight.
func NewScheduler(client *Client, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		client: client,
		log:    log.WithComponent("scheduler"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	cl := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))

	if _, err := s.cron.AddFunc(syncTickSchedule, s.syncTick); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(sessionTickSchedule, s.sessionTick); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("sync scheduler started",
		slog.String("sync_tick", syncTickSchedule),
		slog.String("session_tick", sessionTickSchedule))
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.client.Close()
}

func (s *Scheduler) syncTick() {
	if s.ctx.Err() != nil {
		return
	}
	if s.fullSyncDue() {
		if err := s.client.FullSync(s.ctx); err != nil && err != errThrottled {
			s.log.Warn("full sync failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := s.client.FlushUpdates(s.ctx); err != nil && err != errThrottled {
		s.log.Warn("update flush failed", slog.String("error", err.Error()))
	}
}

// fullSyncDue reports whether the next sync tick escalates to a full state
// exchange: a never-synced client reconciles immediately, everyone else
// waits out the interval since the last full sync.
func (s *Scheduler) fullSyncDue() bool {
	if !s.client.Synced() {
		return true
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.client.now().Sub(s.client.lastFullSync) >= fullSyncInterval
}

func (s *Scheduler) sessionTick() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.client.SessionCheck(s.ctx); err != nil && err != errThrottled {
		s.log.Warn("session check failed", slog.String("error", err.Error()))
	}
	if s.client.OutOfSync() {
		s.log.Warn("no full reconciliation has completed yet")
	}
	if err := s.client.ImportLegacy(s.ctx); err != nil && err != errThrottled {
		s.log.Warn("legacy import failed", slog.String("error", err.Error()))
	}
}

// cronLogger adapts the structured logger to cron's logging interface.
type cronLogger struct {
	log *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, slog.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, slog.String("error", err.Error()), slog.Any("details", keysAndValues))
}
