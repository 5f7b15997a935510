// Package engine orchestrates diagnostic test runs: lifecycle, progress
// fan-out, composite plans and history handoff.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devicelab/internal/catalog"
	"devicelab/internal/domain"
	"devicelab/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartReceipt is returned synchronously from Start; execution continues in
// the background.
type StartReceipt struct {
	RunID            string `json:"run_id"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// StatusView is the answer to a status query: the live record while the run
// is active, the terminal history entry afterwards.
type StatusView struct {
	Completed bool                 `json:"completed"`
	Run       *domain.RunRecord    `json:"run,omitempty"`
	History   *domain.HistoryEntry `json:"history,omitempty"`
}

type activeRun struct {
	record *domain.RunRecord
	cancel context.CancelFunc
}

// Manager owns the per-device active-run set and every run's state
// transitions. All shared state is behind mu; executors feed updates back
// exclusively through reportProgress and finalize.
type Manager struct {
	catalog     *catalog.Catalog
	history     domain.HistoryRepository
	broadcaster domain.Broadcaster
	executor    *Executor
	logger      *slog.Logger
	tracer      trace.Tracer

	mu     sync.RWMutex
	active map[string]map[string]*activeRun // deviceID -> runID
}

// NewManager creates a run manager on top of the given collaborators.
func NewManager(cat *catalog.Catalog, hist domain.HistoryRepository, bc domain.Broadcaster, exec *Executor, logger *slog.Logger) *Manager {
	return &Manager{
		catalog:     cat,
		history:     hist,
		broadcaster: bc,
		executor:    exec,
		logger:      logger.With("component", "test-manager"),
		tracer:      otel.Tracer("devicelab-engine"),
		active:      make(map[string]map[string]*activeRun),
	}
}

// Catalog exposes the test registry backing this manager.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Start validates the request and launches the run in the background. The
// caller gets the run ID immediately and observes the rest through Status
// polling or the broadcaster.
func (m *Manager) Start(ctx context.Context, deviceID, testID string, params map[string]any) (*StartReceipt, error) {
	_, span := m.tracer.Start(ctx, "engine.Start",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("test.id", testID),
		))
	defer span.End()

	def, err := m.catalog.Get(testID)
	if err != nil {
		span.SetStatus(codes.Error, "unknown test")
		return nil, err
	}

	normalized, err := m.catalog.Validate(testID, params)
	if err != nil {
		span.SetStatus(codes.Error, "parameter validation failed")
		span.RecordError(err)
		return nil, err
	}

	runID := newRunID(testID)
	record := &domain.RunRecord{
		RunID:      runID,
		DeviceID:   deviceID,
		TestID:     testID,
		TestName:   def.Name,
		Parameters: normalized,
		Status:     domain.RunStatusRunning,
		Progress:   0,
		Message:    "Test started",
		StartTime:  time.Now(),
	}
	span.SetAttributes(attribute.String("run.id", runID))

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.active[deviceID] == nil {
		m.active[deviceID] = make(map[string]*activeRun)
	}
	m.active[deviceID][runID] = &activeRun{record: record, cancel: cancel}
	m.mu.Unlock()

	metrics.ActiveTestRuns.Inc()
	m.logger.Info("test run started", "device_id", deviceID, "test_id", testID, "run_id", runID)

	go m.execute(runCtx, def, deviceID, runID, normalized)

	return &StartReceipt{RunID: runID, EstimatedSeconds: def.Estimate()}, nil
}

// execute drives one run to a terminal state. It is the outermost boundary
// of the spawned goroutine: nothing thrown inside may leak a hung run.
func (m *Manager) execute(ctx context.Context, def *domain.TestDefinition, deviceID, runID string, params map[string]any) {
	ctx, span := m.tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("test.id", def.ID),
			attribute.String("run.id", runID),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic during execution")
			m.logger.Error("panic during test execution", "run_id", runID, "panic", r)
			m.finalize(deviceID, runID, domain.RunStatusFailed, fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	report := func(percent int, message string) {
		m.reportProgress(deviceID, runID, percent, message)
	}

	var details map[string]any
	var err error
	if def.ID == compositeTestID {
		details, err = m.runComposite(ctx, deviceID, runID, params, report)
	} else {
		details, err = m.executor.Run(ctx, def, deviceID, params, report)
	}

	if err != nil {
		if ctx.Err() != nil && !m.isActive(deviceID, runID) {
			// Stopped: the run was finalized by Stop and the aborted
			// command call is discarded.
			span.SetAttributes(attribute.Bool("run.stopped", true))
			return
		}
		span.SetStatus(codes.Error, "test failed")
		span.RecordError(err)
		m.finalize(deviceID, runID, domain.RunStatusFailed, err.Error(), details)
		return
	}

	message := def.Name + " passed"
	if s, ok := details["message"].(string); ok && s != "" {
		message = s
	}
	m.finalize(deviceID, runID, domain.RunStatusCompleted, message, details)
}

// Status returns the live record for an active run, or the terminal entry
// from history, or domain.ErrRunNotFound.
func (m *Manager) Status(deviceID, runID string) (*StatusView, error) {
	m.mu.RLock()
	run, ok := m.active[deviceID][runID]
	var snapshot *domain.RunRecord
	if ok {
		snapshot = run.record.Clone()
	}
	m.mu.RUnlock()

	if ok {
		return &StatusView{Completed: false, Run: snapshot}, nil
	}
	if entry := m.history.Get(deviceID, runID); entry != nil {
		return &StatusView{Completed: true, History: entry}, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
}

// Stop finalizes an active run as stopped and cancels its context, so an
// in-flight command call aborts rather than running to its own timeout.
// Returns domain.ErrRunNotActive when the run is not currently active.
func (m *Manager) Stop(deviceID, runID string) error {
	m.mu.RLock()
	run, ok := m.active[deviceID][runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotActive, runID)
	}

	run.cancel()
	m.finalize(deviceID, runID, domain.RunStatusStopped, "Test stopped by user", nil)
	m.logger.Info("test run stopped", "device_id", deviceID, "run_id", runID)
	return nil
}

// History lists the device's terminal runs, newest first.
func (m *Manager) History(deviceID string, limit int) []*domain.HistoryEntry {
	return m.history.List(deviceID, limit)
}

// ClearHistory drops every retained result for the device.
func (m *Manager) ClearHistory(deviceID string) {
	m.history.Clear(deviceID)
}

// RemoveResult deletes one retained result; it reports whether anything was
// removed.
func (m *Manager) RemoveResult(deviceID, runID string) bool {
	return m.history.Remove(deviceID, runID)
}

func (m *Manager) isActive(deviceID, runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[deviceID][runID]
	return ok
}

// reportProgress is the progress-update contract handed to executors.
// Values are clamped so observed progress never decreases, and updates for
// runs no longer active are dropped.
func (m *Manager) reportProgress(deviceID, runID string, percent int, message string) {
	if percent > 99 {
		percent = 99
	}

	m.mu.Lock()
	run, ok := m.active[deviceID][runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if percent < run.record.Progress {
		percent = run.record.Progress
	}
	run.record.Progress = percent
	run.record.Message = message
	m.mu.Unlock()

	m.broadcaster.Publish(domain.TopicProgress, domain.ProgressEvent{
		DeviceID: deviceID,
		RunID:    runID,
		Progress: percent,
		Message:  message,
	})
}

// publishSubProgress forwards a composite sub-run's progress to subscribers
// without touching the parent record.
func (m *Manager) publishSubProgress(deviceID, subRunID string, percent int, message string) {
	m.broadcaster.Publish(domain.TopicProgress, domain.ProgressEvent{
		DeviceID: deviceID,
		RunID:    subRunID,
		Progress: percent,
		Message:  message,
	})
}

// finalize performs the single transition out of the active set: stamps the
// terminal state, appends exactly one history entry, updates metrics and
// publishes the terminal status event. It no-ops if the run was already
// finalized.
func (m *Manager) finalize(deviceID, runID string, status domain.RunStatus, message string, details map[string]any) {
	m.mu.Lock()
	run, ok := m.active[deviceID][runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active[deviceID], runID)
	if len(m.active[deviceID]) == 0 {
		delete(m.active, deviceID)
	}

	record := run.record
	record.Status = status
	record.Message = message
	record.EndTime = time.Now()
	record.DurationSeconds = record.EndTime.Sub(record.StartTime).Seconds()
	record.Result = details
	if status == domain.RunStatusCompleted {
		record.Progress = 100
	}
	snapshot := record.Clone()
	m.mu.Unlock()

	outcome := domain.HistoryOutcomeFail
	if status == domain.RunStatusCompleted {
		outcome = domain.HistoryOutcomePass
	}
	entry := &domain.HistoryEntry{
		RunID:           snapshot.RunID,
		TestID:          snapshot.TestID,
		Name:            snapshot.TestName,
		Status:          status,
		Result:          outcome,
		DurationSeconds: snapshot.DurationSeconds,
		Timestamp:       snapshot.EndTime,
		Details:         snapshot.Result,
	}
	if status != domain.RunStatusCompleted {
		entry.Error = message
	}
	m.history.Append(deviceID, entry)

	metrics.ActiveTestRuns.Dec()
	metrics.TestRunsTotal.WithLabelValues(snapshot.TestID, string(status)).Inc()
	metrics.TestRunDuration.WithLabelValues(snapshot.TestID).Observe(snapshot.DurationSeconds)

	m.broadcaster.Publish(domain.TopicStatus, domain.StatusEvent{
		DeviceID: deviceID,
		RunID:    runID,
		Status:   status,
		Message:  message,
		Details:  snapshot.Result,
	})

	m.logger.Info("test run finished",
		"device_id", deviceID,
		"run_id", runID,
		"status", status,
		"duration_s", snapshot.DurationSeconds,
	)
}

// newRunID builds `<testId>_<unixMillis>_<random>`. The random suffix makes
// ids unique for the process lifetime even within one millisecond.
func newRunID(testID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", testID, time.Now().UnixMilli(), suffix)
}
