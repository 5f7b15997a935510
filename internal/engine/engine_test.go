package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"devicelab/internal/catalog"
	"devicelab/internal/domain"
	"devicelab/internal/history"
	"devicelab/internal/infra/devicesim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "bench-01"

func fptr(f float64) *float64 { return &f }

// fastDefs is the engine-test catalog: the same test IDs as production but
// with short timings so the suite stays fast.
func fastDefs() []*domain.TestDefinition {
	return []*domain.TestDefinition{
		{
			ID: "led", Name: "LED Blink", Category: "gpio", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "pin", Kind: domain.ParameterKindNumber, Default: 2, Min: fptr(0), Max: fptr(40)},
				{Name: "duration", Kind: domain.ParameterKindNumber, Default: 60, Min: fptr(10), Max: fptr(10000)},
				{Name: "pattern", Kind: domain.ParameterKindEnum, Default: "blink", Values: []string{"blink", "pulse", "solid"}},
			},
		},
		{
			ID: "gpioLoopback", Name: "GPIO Loopback", Category: "gpio", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "outputPin", Kind: domain.ParameterKindNumber, Default: 2},
				{Name: "inputPin", Kind: domain.ParameterKindNumber, Default: 4},
				{Name: "testPattern", Kind: domain.ParameterKindString, Default: "0101"},
			},
		},
		{
			ID: "microphone", Name: "Microphone", Category: "audio", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "duration", Kind: domain.ParameterKindNumber, Default: 40},
				{Name: "sensitivity", Kind: domain.ParameterKindNumber, Default: 50},
			},
		},
		{
			ID: "gps", Name: "GPS Fix", Category: "gps", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "fixTimeout", Kind: domain.ParameterKindNumber, Default: 2000},
				{Name: "minSatellites", Kind: domain.ParameterKindNumber, Default: 3},
			},
		},
		{
			ID: "sdcard", Name: "SD Card", Category: "storage", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "sizeKb", Kind: domain.ParameterKindNumber, Default: 1},
			},
		},
		{
			ID: "wifi", Name: "Wi-Fi Join", Category: "network", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "ssid", Kind: domain.ParameterKindString, Required: true, Default: "testnet"},
				{Name: "password", Kind: domain.ParameterKindSecret, Default: ""},
				{Name: "joinTimeout", Kind: domain.ParameterKindNumber, Default: 1000},
			},
		},
		{
			ID: "battery", Name: "Battery", Category: "power", TimeoutMs: 5000,
			Parameters: []domain.Parameter{
				{Name: "samples", Kind: domain.ParameterKindNumber, Default: 2},
				{Name: "minVoltage", Kind: domain.ParameterKindNumber, Default: 3.3},
			},
		},
		{
			ID: "signalQuality", Name: "Signal Quality", Category: "modem", TimeoutMs: 5000,
			Steps: []domain.StepDefinition{
				{Name: "query signal", Command: "modem.at", Payload: map[string]any{"command": "AT+CSQ"}, Handler: "signalQuality"},
			},
		},
		{
			ID: "modemBasic", Name: "Modem Basic", Category: "modem", TimeoutMs: 5000,
			Steps: []domain.StepDefinition{
				{Name: "attention", Command: "modem.at", Payload: map[string]any{"command": "AT"}, ExpectSubstring: "OK"},
				{Name: "identification", Command: "modem.at", Payload: map[string]any{"command": "ATI"}, ExpectSubstring: "OK"},
				{Name: "echo off", Command: "modem.at", Payload: map[string]any{"command": "ATE0"}, ExpectSubstring: "OK"},
			},
		},
		{
			ID: "fullSystem", Name: "Full System Check", Category: "system", TimeoutMs: 30000,
			Parameters: []domain.Parameter{
				{Name: "ssid", Kind: domain.ParameterKindString, Default: "testnet"},
				{Name: "password", Kind: domain.ParameterKindSecret, Default: ""},
			},
		},
	}
}

// captureBroadcaster records published events for assertions.
type captureBroadcaster struct {
	mu     sync.Mutex
	events []struct {
		topic   string
		payload any
	}
}

func (b *captureBroadcaster) Publish(topic string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, struct {
		topic   string
		payload any
	}{topic, event})
}

func (b *captureBroadcaster) progressValues(runID string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, e := range b.events {
		if p, ok := e.payload.(domain.ProgressEvent); ok && p.RunID == runID {
			out = append(out, p.Progress)
		}
	}
	return out
}

func (b *captureBroadcaster) statuses(runID string) []domain.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StatusEvent
	for _, e := range b.events {
		if s, ok := e.payload.(domain.StatusEvent); ok && s.RunID == runID {
			out = append(out, s)
		}
	}
	return out
}

// scriptedChannel wraps the simulator, letting tests override individual
// commands and recording every dispatch. AT commands are keyed by the AT
// string itself.
type scriptedChannel struct {
	sim       *devicesim.Simulator
	mu        sync.Mutex
	calls     []string
	overrides map[string]func() (*domain.Response, error)
	panicOn   string
}

func newScriptedChannel() *scriptedChannel {
	opts := devicesim.DefaultOptions()
	opts.Latency = 0
	opts.GpsFixAfter = 2
	return &scriptedChannel{
		sim:       devicesim.New(opts, slog.Default()),
		overrides: make(map[string]func() (*domain.Response, error)),
	}
}

func (c *scriptedChannel) key(command string, payload map[string]any) string {
	if command == "modem.at" {
		if at, ok := payload["command"].(string); ok {
			return at
		}
	}
	return command
}

func (c *scriptedChannel) Send(ctx context.Context, deviceID, command string, payload map[string]any, timeout time.Duration) (*domain.Response, error) {
	key := c.key(command, payload)

	c.mu.Lock()
	c.calls = append(c.calls, key)
	override := c.overrides[key]
	panicky := c.panicOn == key
	c.mu.Unlock()

	if panicky {
		panic("scripted panic on " + key)
	}
	if override != nil {
		return override()
	}
	return c.sim.Send(ctx, deviceID, command, payload, timeout)
}

func (c *scriptedChannel) Online(deviceID string) bool {
	return c.sim.Online(deviceID)
}

func (c *scriptedChannel) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.calls {
		if k == key {
			n++
		}
	}
	return n
}

type rig struct {
	manager *Manager
	channel *scriptedChannel
	store   *history.Store
	events  *captureBroadcaster
}

func newRig(t *testing.T, historyCap int) *rig {
	t.Helper()
	cat, err := catalog.New(fastDefs())
	require.NoError(t, err)

	logger := slog.Default()
	channel := newScriptedChannel()
	store := history.NewStore(historyCap, logger)
	events := &captureBroadcaster{}
	executor := NewExecutor(channel, 2*time.Second, 10*time.Millisecond, logger)
	manager := NewManager(cat, store, events, executor, logger)
	return &rig{manager: manager, channel: channel, store: store, events: events}
}

// waitTerminal polls Status until the run leaves the active set.
func waitTerminal(t *testing.T, m *Manager, deviceID, runID string) *domain.HistoryEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := m.Status(deviceID, runID)
		require.NoError(t, err)
		if view.Completed {
			return view.History
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state", runID)
	return nil
}

func TestStartReturnsUniqueRunIDs(t *testing.T) {
	r := newRig(t, 100)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		receipt, err := r.manager.Start(context.Background(), testDevice, "led", nil)
		require.NoError(t, err)
		assert.False(t, seen[receipt.RunID], "run id %s reused", receipt.RunID)
		seen[receipt.RunID] = true
		assert.True(t, strings.HasPrefix(receipt.RunID, "led_"))
	}
	for runID := range seen {
		waitTerminal(t, r.manager, testDevice, runID)
	}
}

func TestStartUnknownTest(t *testing.T) {
	r := newRig(t, 100)

	_, err := r.manager.Start(context.Background(), testDevice, "warpDrive", nil)
	assert.ErrorIs(t, err, domain.ErrTestNotFound)
}

func TestStartInvalidParameters(t *testing.T) {
	r := newRig(t, 100)

	_, err := r.manager.Start(context.Background(), testDevice, "led", map[string]any{"pattern": "disco"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStatusWhileRunning(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "led", nil)
	require.NoError(t, err)

	view, err := r.manager.Status(testDevice, receipt.RunID)
	require.NoError(t, err)
	assert.False(t, view.Completed)
	require.NotNil(t, view.Run)
	assert.Equal(t, domain.RunStatusRunning, view.Run.Status)
	assert.Equal(t, "led", view.Run.TestID)

	waitTerminal(t, r.manager, testDevice, receipt.RunID)
}

func TestStatusUnknownRun(t *testing.T) {
	r := newRig(t, 100)

	_, err := r.manager.Status(testDevice, "led_0_deadbeef")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestRunCompletesIntoHistory(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "led", map[string]any{})
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusCompleted, entry.Status)
	assert.Equal(t, domain.HistoryOutcomePass, entry.Result)
	assert.Equal(t, float64(3), toFloat(entry.Details["cycles"]))
	assert.Equal(t, "blink", entry.Details["pattern"])
	assert.Equal(t, true, entry.Details["success"])

	// Exactly one history entry for the run.
	count := 0
	for _, e := range r.manager.History(testDevice, 0) {
		if e.RunID == receipt.RunID {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Terminal status event published.
	statuses := r.events.statuses(receipt.RunID)
	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.RunStatusCompleted, statuses[len(statuses)-1].Status)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestProgressMonotonicAndTerminalAt100(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "gps", nil)
	require.NoError(t, err)
	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	require.Equal(t, domain.RunStatusCompleted, entry.Status)

	values := r.events.progressValues(receipt.RunID)
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards at %d", i)
	}
	// Live updates never claim completion; 100 is reserved for the
	// terminal record.
	assert.Less(t, values[len(values)-1], 100)
}

func TestStopActiveRun(t *testing.T) {
	r := newRig(t, 100)
	// A GPS run that will never fix, so it keeps polling until stopped.
	r.channel.overrides["gps.status"] = func() (*domain.Response, error) {
		return &domain.Response{Success: true, Data: map[string]any{"fix": false, "satellites": float64(0)}}, nil
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "gps", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, r.manager.Stop(testDevice, receipt.RunID))

	view, err := r.manager.Status(testDevice, receipt.RunID)
	require.NoError(t, err)
	assert.True(t, view.Completed)
	assert.Equal(t, domain.RunStatusStopped, view.History.Status)
	assert.Equal(t, domain.HistoryOutcomeFail, view.History.Result)

	// Stopping again reports not active.
	assert.ErrorIs(t, r.manager.Stop(testDevice, receipt.RunID), domain.ErrRunNotActive)

	// The aborted goroutine must not append a second entry.
	time.Sleep(100 * time.Millisecond)
	count := 0
	for _, e := range r.manager.History(testDevice, 0) {
		if e.RunID == receipt.RunID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStopUnknownRun(t *testing.T) {
	r := newRig(t, 100)
	assert.ErrorIs(t, r.manager.Stop(testDevice, "gps_0_cafebabe"), domain.ErrRunNotActive)
}

func TestHistoryCapAtManagerLevel(t *testing.T) {
	r := newRig(t, 3)

	for i := 0; i < 5; i++ {
		receipt, err := r.manager.Start(context.Background(), testDevice, "signalQuality", nil)
		require.NoError(t, err)
		waitTerminal(t, r.manager, testDevice, receipt.RunID)
	}

	assert.Len(t, r.manager.History(testDevice, 1000), 3)
}

func TestClearAndRemoveHistory(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "signalQuality", nil)
	require.NoError(t, err)
	waitTerminal(t, r.manager, testDevice, receipt.RunID)

	assert.True(t, r.manager.RemoveResult(testDevice, receipt.RunID))
	assert.False(t, r.manager.RemoveResult(testDevice, receipt.RunID))

	receipt, err = r.manager.Start(context.Background(), testDevice, "signalQuality", nil)
	require.NoError(t, err)
	waitTerminal(t, r.manager, testDevice, receipt.RunID)

	r.manager.ClearHistory(testDevice)
	assert.Empty(t, r.manager.History(testDevice, 0))
}

func TestDeviceUnavailable(t *testing.T) {
	r := newRig(t, 100)
	r.channel.sim.SetOffline(testDevice, true)

	receipt, err := r.manager.Start(context.Background(), testDevice, "led", nil)
	require.NoError(t, err, "unavailability surfaces in the run outcome, not at Start")

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "device unavailable")
}

func TestPanicBecomesFailedRun(t *testing.T) {
	r := newRig(t, 100)
	r.channel.panicOn = "gpio.mode"

	receipt, err := r.manager.Start(context.Background(), testDevice, "led", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "internal error")
}

func TestConcurrentRunsOnOneDevice(t *testing.T) {
	r := newRig(t, 100)

	var ids []string
	for i := 0; i < 4; i++ {
		receipt, err := r.manager.Start(context.Background(), testDevice, "battery", nil)
		require.NoError(t, err)
		ids = append(ids, receipt.RunID)
	}
	for _, id := range ids {
		entry := waitTerminal(t, r.manager, testDevice, id)
		assert.Equal(t, domain.RunStatusCompleted, entry.Status, "run %s", id)
	}
}

func TestRunEstimate(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "led", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, receipt.EstimatedSeconds) // from TimeoutMs 5000
	waitTerminal(t, r.manager, testDevice, receipt.RunID)
}
