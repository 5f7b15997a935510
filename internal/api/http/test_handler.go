// internal/api/http/test_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"devicelab/internal/domain"
	"devicelab/internal/engine"
	"devicelab/internal/metrics"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// TestHandler serves the engine's HTTP surface under /api/tests.
type TestHandler struct {
	manager  *engine.Manager
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTestHandler creates a TestHandler and initializes the validator.
func NewTestHandler(manager *engine.Manager, logger *slog.Logger) *TestHandler {
	validate := validator.New()
	_ = validate.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDPattern.MatchString(fl.Field().String())
	})

	return &TestHandler{
		manager:  manager,
		logger:   logger.With("component", "test-handler"),
		validate: validate,
		tracer:   otel.Tracer("devicelab-api"),
	}
}

// A helper struct to capture the status code.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the test routes on the mux.
func (h *TestHandler) RegisterRoutes(mux *http.ServeMux) {
	baseHandler := http.HandlerFunc(h.handleTests)

	instrumented := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routeTemplate(r.URL.Path)
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		baseHandler.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})

	mux.Handle("/api/tests", instrumented)
	mux.Handle("/api/tests/", instrumented)
}

// routeTemplate collapses run-specific path segments for metric labels.
func routeTemplate(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && (parts[2] == "status" || parts[2] == "stop" || parts[2] == "result") {
		return "/api/tests/" + parts[2] + "/{runId}"
	}
	if len(parts) >= 3 {
		return "/api/tests/" + parts[2]
	}
	return "/api/tests"
}

// handleTests dispatches everything under /api/tests.
func (h *TestHandler) handleTests(w http.ResponseWriter, r *http.Request) {
	// e.g. /api/tests/status/<runId> -> ["api", "tests", "status", "<runId>"]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "tests" {
		http.NotFound(w, r)
		return
	}

	var action, runID string
	if len(parts) > 2 {
		action = parts[2]
	}
	if len(parts) > 3 {
		runID = parts[3]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		h.handleCatalog(w, r)
	case r.Method == http.MethodPost && action == "run":
		h.handleRun(w, r)
	case r.Method == http.MethodGet && action == "status" && runID != "":
		h.handleStatus(w, r, runID)
	case r.Method == http.MethodPost && action == "stop" && runID != "":
		h.handleStop(w, r, runID)
	case r.Method == http.MethodGet && action == "history":
		h.handleHistory(w, r)
	case r.Method == http.MethodDelete && action == "history":
		h.handleClearHistory(w, r)
	case r.Method == http.MethodDelete && action == "result" && runID != "":
		h.handleRemoveResult(w, r, runID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCatalog lists test definitions (GET /api/tests?category=).
func (h *TestHandler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.Catalog")
	defer span.End()

	category := r.URL.Query().Get("category")
	span.SetAttributes(attribute.String("test.category", category))

	writeJSON(w, http.StatusOK, h.manager.Catalog().ListByCategory(category))
}

// handleRun starts a test (POST /api/tests/run).
func (h *TestHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Run")
	defer span.End()

	var req RunTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		for _, fe := range err.(validator.ValidationErrors) {
			details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return
	}

	span.SetAttributes(
		attribute.String("device.id", req.DeviceID),
		attribute.String("test.id", req.TestID),
	)

	receipt, err := h.manager.Start(ctx, req.DeviceID, req.TestID, req.Parameters)
	if err != nil {
		h.writeEngineError(w, span, err)
		return
	}

	writeJSON(w, http.StatusAccepted, RunStartedResponse{
		RunID:            receipt.RunID,
		EstimatedSeconds: receipt.EstimatedSeconds,
	})
}

// handleStatus reports a live or historical run (GET /api/tests/status/{runId}?deviceId=).
func (h *TestHandler) handleStatus(w http.ResponseWriter, r *http.Request, runID string) {
	_, span := h.tracer.Start(r.Context(), "handler.Status")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId query parameter is required"})
		return
	}

	view, err := h.manager.Status(deviceID, runID)
	if err != nil {
		h.writeEngineError(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleStop cancels an active run (POST /api/tests/stop/{runId}?deviceId=).
func (h *TestHandler) handleStop(w http.ResponseWriter, r *http.Request, runID string) {
	_, span := h.tracer.Start(r.Context(), "handler.Stop")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId query parameter is required"})
		return
	}

	if err := h.manager.Stop(deviceID, runID); err != nil {
		h.writeEngineError(w, span, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory lists retained results (GET /api/tests/history?deviceId=&limit=).
func (h *TestHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.History")
	defer span.End()

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId query parameter is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	span.SetAttributes(attribute.String("device.id", deviceID), attribute.Int("limit", limit))

	entries := h.manager.History(deviceID, limit)
	writeJSON(w, http.StatusOK, entries)
}

// handleClearHistory drops all retained results (DELETE /api/tests/history?deviceId=).
func (h *TestHandler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ClearHistory")
	defer span.End()

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId query parameter is required"})
		return
	}
	h.manager.ClearHistory(deviceID)
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveResult drops one retained result (DELETE /api/tests/result/{runId}?deviceId=).
func (h *TestHandler) handleRemoveResult(w http.ResponseWriter, r *http.Request, runID string) {
	_, span := h.tracer.Start(r.Context(), "handler.RemoveResult")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "deviceId query parameter is required"})
		return
	}
	removed := h.manager.RemoveResult(deviceID, runID)
	writeJSON(w, http.StatusOK, RemovedResponse{Removed: removed})
}

// writeEngineError maps engine errors to HTTP status codes.
func (h *TestHandler) writeEngineError(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		span.SetStatus(codes.Error, "parameter validation failed")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: verr.Problems})
	case errors.Is(err, domain.ErrTestNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrRunNotActive):
		span.SetStatus(codes.Error, "not found")
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		span.SetStatus(codes.Error, "internal error")
		h.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
