package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"devicelab/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProgressFunc receives progress updates from an executing test.
type ProgressFunc func(percent int, message string)

// Executor runs one test definition against the command channel and decides
// pass/fail. It holds no per-run state; a single instance serves all runs.
type Executor struct {
	channel        domain.CommandChannel
	handlers       map[string]ResponseHandler
	operations     map[string]operationFunc
	defaultTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewExecutor creates an executor with the built-in response handlers and
// operation implementations registered.
func NewExecutor(channel domain.CommandChannel, defaultTimeout, pollInterval time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	e := &Executor{
		channel:        channel,
		handlers:       builtinHandlers(),
		defaultTimeout: defaultTimeout,
		pollInterval:   pollInterval,
		logger:         logger.With("component", "test-executor"),
		tracer:         otel.Tracer("devicelab-executor"),
	}
	e.operations = builtinOperations()
	return e
}

// Run executes def and returns the result payload. A nil error means the
// test passed. Business failures (failed step, verification mismatch) come
// back as errors alongside whatever details were gathered; the run manager
// turns both into the run's terminal state.
func (e *Executor) Run(ctx context.Context, def *domain.TestDefinition, deviceID string, params map[string]any, report ProgressFunc) (map[string]any, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Run",
		trace.WithAttributes(
			attribute.String("device.id", deviceID),
			attribute.String("test.id", def.ID),
		))
	defer span.End()

	if !e.channel.Online(deviceID) {
		span.SetStatus(codes.Error, "device offline")
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceUnavailable, deviceID)
	}

	var details map[string]any
	var err error
	if def.HasSteps() {
		details, err = e.runSteps(ctx, def, deviceID, report)
	} else {
		op, ok := e.operations[def.ID]
		if !ok {
			return nil, fmt.Errorf("no operation registered for test %q", def.ID)
		}
		details, err = op(ctx, &opContext{
			executor: e,
			deviceID: deviceID,
			def:      def,
			params:   params,
			report:   report,
		})
	}

	if err != nil {
		span.SetStatus(codes.Error, "test failed")
		span.RecordError(err)
	}
	return details, err
}

// runSteps executes a protocol-style test: steps strictly in order, abort
// on the first failing step. Progress advances evenly across steps.
func (e *Executor) runSteps(ctx context.Context, def *domain.TestDefinition, deviceID string, report ProgressFunc) (map[string]any, error) {
	timeout := def.Timeout(e.defaultTimeout)
	n := len(def.Steps)
	stepResults := make([]map[string]any, 0, n)
	details := map[string]any{"steps": stepResults}

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			return details, err
		}
		report(10+i*80/n, fmt.Sprintf("Step %d/%d: %s", i+1, n, step.Name))

		resp, err := e.send(ctx, deviceID, step.Command, step.Payload, timeout)
		if err != nil {
			details["steps"] = stepResults
			return details, &domain.StepError{Step: step.Name, Err: err}
		}

		result := map[string]any{
			"name":     step.Name,
			"response": resp.Text(),
		}
		parsed, evalErr := e.evaluateStep(&step, resp)
		if len(parsed) > 0 {
			for k, v := range parsed {
				details[k] = v
			}
			result["parsed"] = parsed
		}
		result["passed"] = evalErr == nil
		stepResults = append(stepResults, result)
		details["steps"] = stepResults

		if evalErr != nil {
			e.logger.Warn("test step failed",
				"device_id", deviceID, "test_id", def.ID, "step", step.Name, "error", evalErr)
			return details, &domain.StepError{Step: step.Name, Err: evalErr}
		}
	}

	report(95, "All steps passed")
	details["success"] = true
	return details, nil
}

// evaluateStep applies the step's pass rule: substring match, named
// handler, or any-response.
func (e *Executor) evaluateStep(step *domain.StepDefinition, resp *domain.Response) (map[string]any, error) {
	switch {
	case step.ExpectSubstring != "":
		if !strings.Contains(resp.Text(), step.ExpectSubstring) {
			return nil, fmt.Errorf("response %q does not contain %q", resp.Text(), step.ExpectSubstring)
		}
		return nil, nil
	case step.Handler != "":
		h, ok := e.handlers[step.Handler]
		if !ok {
			return nil, fmt.Errorf("unknown response handler %q", step.Handler)
		}
		return h(resp)
	default:
		// Any correlated reply counts.
		return nil, nil
	}
}

// send dispatches one command with the given timeout, normalizing channel
// failures into the engine's error taxonomy.
func (e *Executor) send(ctx context.Context, deviceID, command string, payload map[string]any, timeout time.Duration) (*domain.Response, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	resp, err := e.channel.Send(ctx, deviceID, command, payload, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCommandTimeout, command)
		}
		return nil, err
	}
	return resp, nil
}
