package domain

import (
	"fmt"
	"time"
)

// RunStatus defines the lifecycle state of a test run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether the status admits no further transition.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

// RunRecord represents a single execution instance of a test. While the run
// is active the record is owned by the run manager; executors mutate it only
// through the manager's progress and completion callbacks.
type RunRecord struct {
	RunID           string         `json:"run_id"`
	DeviceID        string         `json:"device_id"`
	TestID          string         `json:"test_id"`
	TestName        string         `json:"test_name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Status          RunStatus      `json:"status"`
	Progress        int            `json:"progress"`
	Message         string         `json:"message,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time,omitzero"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
}

// Validate checks if the run record is well formed.
func (r *RunRecord) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run record ID cannot be empty")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("run record device ID cannot be empty")
	}
	if r.TestID == "" {
		return fmt.Errorf("run record test ID cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("run record start time cannot be zero")
	}
	return nil
}

// Clone returns a shallow-but-safe copy for handing out of the manager.
func (r *RunRecord) Clone() *RunRecord {
	cp := *r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	if r.Result != nil {
		cp.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}

// HistoryOutcome is the collapsed pass/fail verdict kept in history.
type HistoryOutcome string

const (
	HistoryOutcomePass HistoryOutcome = "pass"
	HistoryOutcomeFail HistoryOutcome = "fail"
)

// HistoryEntry is the terminal snapshot of a run retained for recall.
type HistoryEntry struct {
	RunID           string         `json:"run_id"`
	TestID          string         `json:"test_id"`
	Name            string         `json:"name"`
	Status          RunStatus      `json:"status"`
	Result          HistoryOutcome `json:"result"`
	DurationSeconds float64        `json:"duration_seconds"`
	Timestamp       time.Time      `json:"timestamp"`
	Details         map[string]any `json:"details,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// HistoryRepository defines the interface for retaining terminal run
// snapshots, bounded per device, newest first.
type HistoryRepository interface {
	// Append stores entry as the device's most recent record, evicting the
	// oldest entries beyond the store's cap.
	Append(deviceID string, entry *HistoryEntry)
	// List returns up to limit entries for the device, newest first.
	// limit <= 0 means no limit.
	List(deviceID string, limit int) []*HistoryEntry
	// Get returns the entry for runID, or nil if absent.
	Get(deviceID, runID string) *HistoryEntry
	// Remove deletes one entry; it reports whether anything was removed.
	Remove(deviceID, runID string) bool
	// Clear empties the device's history.
	Clear(deviceID string)
}
