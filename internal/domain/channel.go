package domain

import (
	"context"
	"time"
)

// Response carries a device's reply to one command.
type Response struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Text returns the response's textual payload for substring matching:
// Data["raw"] if present, otherwise Message.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	if raw, ok := r.Data["raw"].(string); ok && raw != "" {
		return raw
	}
	return r.Message
}

// CommandChannel defines the interface to the bridge carrying commands to a
// physical device. Send blocks until a correlated reply arrives, timeout
// elapses (ErrCommandTimeout), the device is unreachable
// (ErrDeviceUnavailable), or ctx is cancelled.
type CommandChannel interface {
	Send(ctx context.Context, deviceID, command string, payload map[string]any, timeout time.Duration) (*Response, error)
	Online(deviceID string) bool
}
