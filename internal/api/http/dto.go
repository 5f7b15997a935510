package http

// RunTestRequest is the Data Transfer Object for starting a test run.
type RunTestRequest struct {
	DeviceID   string         `json:"device_id" validate:"required,deviceid,max=64"`
	TestID     string         `json:"test_id" validate:"required,min=1,max=64"`
	Parameters map[string]any `json:"parameters"`
}

// RunStartedResponse acknowledges an accepted run.
type RunStartedResponse struct {
	RunID            string `json:"run_id"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

// RemovedResponse reports whether a delete matched anything.
type RemovedResponse struct {
	Removed bool `json:"removed"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
