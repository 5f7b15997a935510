// Package scheduler triggers recurring diagnostics: config-declared tests
// started on a cron schedule through the same engine path as manual runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"devicelab/internal/config"
	"devicelab/internal/engine"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler runs configured diagnostic schedules until its context ends.
type Scheduler struct {
	cron    *cron.Cron
	manager *engine.Manager
	entries map[string]cron.EntryID
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a scheduler dispatching into the given run manager.
func New(manager *engine.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		manager: manager,
		entries: make(map[string]cron.EntryID),
		logger:  logger.With("component", "diag-scheduler"),
		tracer:  otel.Tracer("devicelab-scheduler"),
	}
}

// Add registers one schedule. The name must be unique.
func (s *Scheduler) Add(sched config.ScheduleConfig) error {
	if sched.Name == "" || sched.CronExpr == "" || sched.DeviceID == "" || sched.TestID == "" {
		return fmt.Errorf("schedule needs name, cron_expr, device_id and test_id")
	}
	if _, ok := s.entries[sched.Name]; ok {
		return fmt.Errorf("duplicate schedule %q", sched.Name)
	}

	trigger := &scheduleTrigger{
		sched:   sched,
		manager: s.manager,
		logger:  s.logger.With("schedule", sched.Name),
		tracer:  s.tracer,
	}
	id, err := s.cron.AddJob(sched.CronExpr, trigger)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", sched.Name, err)
	}
	s.entries[sched.Name] = id
	s.logger.Info("added diagnostic schedule",
		"schedule", sched.Name, "cron", sched.CronExpr,
		"device_id", sched.DeviceID, "test_id", sched.TestID)
	return nil
}

// Remove drops a schedule by name; unknown names are a no-op.
func (s *Scheduler) Remove(name string) {
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		s.logger.Info("removed diagnostic schedule", "schedule", name)
	}
}

// Start runs the cron loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("diagnostic scheduler started", "schedules", len(s.entries))
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("diagnostic scheduler stopped")
	return ctx.Err()
}

// scheduleTrigger is the cron job wrapper: on fire it starts an engine run.
type scheduleTrigger struct {
	sched   config.ScheduleConfig
	manager *engine.Manager
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Run is called by the cron library.
func (t *scheduleTrigger) Run() {
	ctx, span := t.tracer.Start(context.Background(), "scheduler.Trigger",
		trace.WithAttributes(
			attribute.String("schedule.name", t.sched.Name),
			attribute.String("device.id", t.sched.DeviceID),
			attribute.String("test.id", t.sched.TestID),
		))
	defer span.End()

	receipt, err := t.manager.Start(ctx, t.sched.DeviceID, t.sched.TestID, t.sched.Parameters)
	if err != nil {
		t.logger.Error("failed to start scheduled test", "error", err)
		span.RecordError(err)
		return
	}
	t.logger.Info("scheduled test started", "run_id", receipt.RunID)
}
