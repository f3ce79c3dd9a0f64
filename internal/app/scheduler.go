package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"execledger/internal/ports"
)

// SchedulerConfig sets the cron specs (with seconds) of the periodic jobs.
type SchedulerConfig struct {
	TickSpec      string // e.g. "*/15 * * * * *"
	ReconcileSpec string // Empty disables reconciliation
}

// Scheduler drives the batch tick and broker reconciliation.
type Scheduler struct {
	cron       *cron.Cron
	lifecycle  *TradeLifecycle
	reconciler ports.Reconciler
	logger     ports.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

// cronLogger routes cron's own messages into ports.Logger.
type cronLogger struct {
	logger ports.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), "cron: "+msg, kv(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(context.Background(), err, "cron: "+msg, kv(keysAndValues))
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}

// NewScheduler registers the jobs. A nil reconciler skips reconciliation.
func NewScheduler(cfg SchedulerConfig, lifecycle *TradeLifecycle, reconciler ports.Reconciler, logger ports.Logger) (*Scheduler, error) {
	if lifecycle == nil || logger == nil {
		return nil, fmt.Errorf("scheduler requires a trade lifecycle and a logger: %w", ports.ErrConfiguration)
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		lifecycle:  lifecycle,
		reconciler: reconciler,
		logger:     logger,
		baseCtx:    context.Background(),
	}

	if _, err := s.cron.AddFunc(cfg.TickSpec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid tick schedule %q: %w", cfg.TickSpec, ports.ErrConfiguration)
	}
	if reconciler != nil && cfg.ReconcileSpec != "" {
		if _, err := s.cron.AddFunc(cfg.ReconcileSpec, s.reconcile); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.ReconcileSpec, ports.ErrConfiguration)
		}
	}
	return s, nil
}

func (s *Scheduler) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) tick() {
	ctx := s.ctx()
	if _, err := s.lifecycle.RunTick(ctx); err != nil {
		s.logger.Error(ctx, err, "scheduler: Tick finished with errors")
	}
}

func (s *Scheduler) reconcile() {
	ctx := s.ctx()
	n, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "scheduler: Reconciliation finished with errors", map[string]interface{}{"actions": n})
	}
}

// Start runs the jobs until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.logger.Info(ctx, "scheduler: Started", map[string]interface{}{"jobs": len(s.cron.Entries())})
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
	s.logger.Info(context.Background(), "scheduler: Stopped")
}

// Entries reports the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
