// ABOUTME: Cron-driven pruning of workflow-call and LLM-request records
// ABOUTME: Deletes rows older than the configured max age on a UTC schedule

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Store deletes audit rows created before a cutoff.
type Store interface {
	DeleteWorkflowCallsBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteLLMRequestsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Result counts the rows removed by one pruning pass.
type Result struct {
	Cutoff        time.Time
	WorkflowCalls int64
	LLMRequests   int64
}

// Scheduler runs Prune on a cron schedule.
type Scheduler struct {
	store    Store
	schedule string
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a scheduler. schedule is a standard five-field cron spec
// evaluated in UTC.
func New(s Store, schedule string, maxAge time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if maxAge <= 0 {
		return nil, errors.New("retention max age must be positive")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		schedule: schedule,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger.With("component", "retention"),
	}, nil
}

// Prune deletes every record older than the max age.
func (s *Scheduler) Prune(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().UTC().Add(-s.maxAge)}

	n, err := s.store.DeleteWorkflowCallsBefore(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("pruning workflow calls: %w", err)
	}
	res.WorkflowCalls = n

	n, err = s.store.DeleteLLMRequestsBefore(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("pruning llm requests: %w", err)
	}
	res.LLMRequests = n

	return res, nil
}

// Run schedules Prune and blocks until ctx is canceled. A running pass is
// allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.schedule, func() {
		res, err := s.Prune(ctx)
		if err != nil {
			s.logger.Error("retention pass failed", "error", err)
			return
		}
		s.logger.Info("retention pass complete",
			"cutoff", res.Cutoff,
			"workflow_calls", res.WorkflowCalls,
			"llm_requests", res.LLMRequests,
		)
	})
	if err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}

	c.Start()
	s.logger.Info("retention scheduler started", "schedule", s.schedule, "max_age", s.maxAge)

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retention scheduler stopped")
	return nil
}
