package engine

import (
	"context"
	"fmt"
)

// compositeTestID is the catalog entry composed out of the component tests.
const compositeTestID = "fullSystem"

// compositeComponents is the fixed, ordered sub-test list of the full
// system check.
var compositeComponents = []string{
	"signalQuality",
	"led",
	"gpioLoopback",
	"microphone",
	"gps",
	"sdcard",
	"wifi",
	"battery",
}

// compositeTiers holds the coarse progress value reported after each
// component, one tier per sub-test.
var compositeTiers = []int{10, 20, 30, 45, 60, 75, 90, 100}

// runComposite executes every component test in order under one run ID.
// Sub-tests are invoked directly on the executor, not through Start, but
// each reports progress under a derived `<runId>_<component>` id so
// subscribers observe them on the normal topics. A failing component is
// recorded and the sequence continues; partial failure is an expected
// outcome here, unlike the abort-on-first-failure rule of step sequences.
func (m *Manager) runComposite(ctx context.Context, deviceID, runID string, params map[string]any, report ProgressFunc) (map[string]any, error) {
	report(5, "Starting full system check")

	components := make([]map[string]any, 0, len(compositeComponents))
	passed := 0

	for i, testID := range compositeComponents {
		if err := ctx.Err(); err != nil {
			return compositeDetails(components, passed), err
		}

		outcome := m.runComponent(ctx, deviceID, runID, testID, params)
		if ok, _ := outcome["success"].(bool); ok {
			passed++
		}
		components = append(components, outcome)

		report(compositeTiers[i], fmt.Sprintf("%s finished (%d/%d)", testID, i+1, len(compositeComponents)))
	}

	details := compositeDetails(components, passed)
	failed := len(compositeComponents) - passed
	if failed > 0 {
		return details, fmt.Errorf("full system check: %d of %d components failed", failed, len(compositeComponents))
	}
	details["message"] = fmt.Sprintf("All %d components passed", len(compositeComponents))
	return details, nil
}

// runComponent runs one sub-test, converting any error into a recorded
// failure for that component.
func (m *Manager) runComponent(ctx context.Context, deviceID, runID, testID string, params map[string]any) map[string]any {
	outcome := map[string]any{"component": testID, "success": false}

	def, err := m.catalog.Get(testID)
	if err != nil {
		outcome["error"] = err.Error()
		return outcome
	}

	// Component parameters are the defaults, except the ones the composite
	// forwards (Wi-Fi credentials).
	sub := map[string]any{}
	if testID == "wifi" {
		if v, ok := params["ssid"]; ok {
			sub["ssid"] = v
		}
		if v, ok := params["password"]; ok {
			sub["password"] = v
		}
	}
	normalized, err := m.catalog.Validate(testID, sub)
	if err != nil {
		outcome["error"] = err.Error()
		return outcome
	}

	subRunID := runID + "_" + testID
	subReport := func(percent int, message string) {
		m.publishSubProgress(deviceID, subRunID, percent, message)
	}

	details, err := m.executor.Run(ctx, def, deviceID, normalized, subReport)
	if details != nil {
		outcome["details"] = details
	}
	if err != nil {
		outcome["error"] = err.Error()
		return outcome
	}
	outcome["success"] = true
	return outcome
}

func compositeDetails(components []map[string]any, passed int) map[string]any {
	total := len(compositeComponents)
	return map[string]any{
		"components": components,
		"summary": map[string]any{
			"total":   total,
			"passed":  passed,
			"failed":  total - passed,
			"success": passed == total,
		},
	}
}
