package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	redisstore "github.com/voicelane/voicelane/internal/redis"
)

const sweepCheckInterval = 30 * time.Second

// Sweeper runs the periodic recovery and run-aggregation jobs on whichever
// orchestrator instance currently holds the leader lease. Schedules are
// standard cron expressions.
type Sweeper struct {
	orch      *Orchestrator
	elector   *redisstore.Elector
	recovery  cron.Schedule
	runSweep  cron.Schedule
	runWindow time.Duration
	logger    *slog.Logger
	nextRecov time.Time
	nextRun   time.Time
}

// NewSweeper parses the cron expressions and returns a Sweeper.
func NewSweeper(
	orch *Orchestrator,
	elector *redisstore.Elector,
	recoveryCron, runSweepCron string,
	runWindow time.Duration,
	logger *slog.Logger,
) (*Sweeper, error) {
	recovery, err := cron.ParseStandard(recoveryCron)
	if err != nil {
		return nil, fmt.Errorf("parse recovery cron %q: %w", recoveryCron, err)
	}
	runSweep, err := cron.ParseStandard(runSweepCron)
	if err != nil {
		return nil, fmt.Errorf("parse run sweep cron %q: %w", runSweepCron, err)
	}
	now := time.Now()
	return &Sweeper{
		orch:      orch,
		elector:   elector,
		recovery:  recovery,
		runSweep:  runSweep,
		runWindow: runWindow,
		logger:    logger,
		nextRecov: recovery.Next(now),
		nextRun:   runSweep.Next(now),
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.elector.Release(context.Background())
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	leader, err := s.elector.AcquireOrRenew(ctx)
	if err != nil {
		s.logger.Error("leader election failed", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}

	now := time.Now()
	if now.After(s.nextRecov) {
		s.nextRecov = s.recovery.Next(now)
		if _, err := s.orch.RecoverCallTasks(ctx); err != nil {
			s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}
	}
	if now.After(s.nextRun) {
		s.nextRun = s.runSweep.Next(now)
		updated, err := s.orch.RecoverRecentRuns(ctx, s.runWindow)
		if err != nil {
			s.logger.Error("run sweep failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("run sweep finished", slog.Int("runs_updated", updated))
	}
}
