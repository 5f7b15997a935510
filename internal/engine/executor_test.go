package engine

import (
	"context"
	"testing"

	"devicelab/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepSequencePasses(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "modemBasic", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusCompleted, entry.Status)

	steps, ok := entry.Details["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, true, s["passed"])
	}
}

func TestStepSequenceAbortsOnFirstFailure(t *testing.T) {
	r := newRig(t, 100)
	r.channel.overrides["ATI"] = func() (*domain.Response, error) {
		return &domain.Response{Success: true, Data: map[string]any{"raw": "ERROR"}}, nil
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "modemBasic", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "identification")

	// The step after the failing one never ran.
	assert.Equal(t, 1, r.channel.callCount("AT"))
	assert.Equal(t, 1, r.channel.callCount("ATI"))
	assert.Equal(t, 0, r.channel.callCount("ATE0"))

	steps, ok := entry.Details["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 2)
	assert.Equal(t, true, steps[0]["passed"])
	assert.Equal(t, false, steps[1]["passed"])
}

func TestStepSequenceCommandTimeout(t *testing.T) {
	r := newRig(t, 100)
	r.channel.overrides["AT+CSQ"] = func() (*domain.Response, error) {
		return nil, context.DeadlineExceeded
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "signalQuality", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "command timed out")
}

func TestStepHandlerMergesParsedValues(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "signalQuality", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	require.Equal(t, domain.RunStatusCompleted, entry.Status)
	// The simulator reports +CSQ: 17,99.
	assert.Equal(t, 17, entry.Details["rssi_index"])
	assert.Equal(t, -79, entry.Details["rssi_dbm"])
}

func TestGpioLoopbackMatchingPattern(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "gpioLoopback", map[string]any{"testPattern": "0101"})
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	require.Equal(t, domain.RunStatusCompleted, entry.Status)
	assert.Equal(t, true, entry.Details["success"])

	steps, ok := entry.Details["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 4)
	for _, s := range steps {
		assert.Equal(t, true, s["match"])
	}
}

func TestGpioLoopbackFlagsMismatch(t *testing.T) {
	r := newRig(t, 100)
	// The input pin reads low no matter what was driven.
	r.channel.overrides["gpio.read"] = func() (*domain.Response, error) {
		return &domain.Response{Success: true, Data: map[string]any{"value": false}}, nil
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "gpioLoopback", map[string]any{"testPattern": "0101"})
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Equal(t, false, entry.Details["success"])
	assert.Contains(t, entry.Error, "mismatch")

	steps, ok := entry.Details["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 4, "every bit is exercised even after a mismatch")
	assert.Equal(t, false, steps[1]["match"])
	assert.Equal(t, true, steps[0]["match"])
}

func TestMicrophoneBelowThreshold(t *testing.T) {
	r := newRig(t, 100)
	r.channel.overrides["audio.level"] = func() (*domain.Response, error) {
		return &domain.Response{Success: true, Data: map[string]any{"peak": 5.0}}, nil
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "microphone", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "below threshold")
	// Best-effort cleanup still ran after the verification failure.
	assert.Equal(t, 1, r.channel.callCount("audio.stop"))
}

func TestSdCardCleansUpAfterFailure(t *testing.T) {
	r := newRig(t, 100)
	r.channel.overrides["fs.read"] = func() (*domain.Response, error) {
		return &domain.Response{Success: true, Data: map[string]any{"token": "garbage"}}, nil
	}

	receipt, err := r.manager.Start(context.Background(), testDevice, "sdcard", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "mismatch")
	assert.Equal(t, 1, r.channel.callCount("fs.delete"))
}

func TestWifiUnknownNetwork(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "wifi", map[string]any{"ssid": "nosuchnet"})
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	assert.Equal(t, domain.RunStatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "not found in scan")
	assert.Equal(t, 0, r.channel.callCount("wifi.join"))
}

func TestBatteryAveragesSamples(t *testing.T) {
	r := newRig(t, 100)

	receipt, err := r.manager.Start(context.Background(), testDevice, "battery", nil)
	require.NoError(t, err)

	entry := waitTerminal(t, r.manager, testDevice, receipt.RunID)
	require.Equal(t, domain.RunStatusCompleted, entry.Status)
	assert.InDelta(t, 3.9, entry.Details["average"], 0.001)
	assert.Equal(t, 2, r.channel.callCount("power.battery"))
}

func TestUnknownOperation(t *testing.T) {
	r := newRig(t, 100)
	exec := r.manager.executor

	def := &domain.TestDefinition{ID: "mystery", Name: "Mystery"}
	_, err := exec.Run(context.Background(), def, testDevice, nil, func(int, string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no operation registered")
}
