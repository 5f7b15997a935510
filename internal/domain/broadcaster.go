package domain

const (
	// TopicProgress carries ProgressEvent updates for running tests.
	TopicProgress = "test:progress"
	// TopicStatus carries StatusEvent transitions, including terminal ones.
	TopicStatus = "test:status"
)

// ProgressEvent is published on every progress update of a run.
type ProgressEvent struct {
	DeviceID string `json:"device_id"`
	RunID    string `json:"run_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// StatusEvent is published on run status transitions. Events for different
// runs interleave freely; subscribers demultiplex on {DeviceID, RunID}.
type StatusEvent struct {
	DeviceID string         `json:"device_id"`
	RunID    string         `json:"run_id"`
	Status   RunStatus      `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Broadcaster defines the interface for the realtime fan-out hub. Publish
// is fire-and-forget; no delivery guarantee is required.
type Broadcaster interface {
	Publish(topic string, event any)
}
