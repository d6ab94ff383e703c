// Package scheduler drives the periodic pull trigger from a cron
// expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mirrorops/mirrorsyncd/internal/ledger"
	"github.com/mirrorops/mirrorsyncd/internal/orchestrator"
)

// Dispatcher is the slice of the orchestrator the scheduler needs.
type Dispatcher interface {
	OnScheduleTick(ctx context.Context) (*ledger.SyncJob, error)
}

// Scheduler fires OnScheduleTick on a cron schedule. Ticks that find the
// destination busy or blocked are logged and skipped; the next tick tries
// again.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New validates the cron expression and prepares the schedule. Times are
// interpreted in UTC.
func New(spec string, d Dispatcher, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		dispatcher: d,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.tick(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing ticks until Stop is called.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	job, err := s.dispatcher.OnScheduleTick(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrBlockedByConflict):
		s.logger.Info("scheduled pull skipped", "reason", err)
	case err != nil:
		s.logger.Error("scheduled pull failed", "error", err)
	default:
		s.logger.Info("scheduled pull finished", "job", job.ID, "status", job.Status)
	}
}
