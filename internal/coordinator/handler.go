package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/veloguard/veloguard/internal/drowsiness"
)

const maxBodySize = 4 << 20

// Handler is the HTTP surface over the coordinator service.
type Handler struct {
	log     *slog.Logger
	svc     *Service
	metrics *Metrics
}

func NewHandler(log *slog.Logger, svc *Service, metrics *Metrics) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics is required")
	}
	return &Handler{log: log, svc: svc, metrics: metrics}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+HealthzPath, h.healthzHandler)
	mux.HandleFunc("GET "+ReadyzPath, h.readyzHandler)
	mux.HandleFunc("POST /rides/start", h.startRideHandler)
	mux.HandleFunc("POST /rides/{id}/end", h.endRideHandler)
	mux.HandleFunc("POST /telemetry/batch", h.telemetryBatchHandler)
	mux.HandleFunc("POST /drowsiness-events", h.drowsinessEventHandler)
	mux.HandleFunc("POST /crash", h.crashHandler)
	mux.HandleFunc("POST /devices/{code}/baseline", h.saveBaselineHandler)
	mux.HandleFunc("GET /devices/{code}/baseline", h.getBaselineHandler)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Code: status})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, route string, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.metrics.RequestErrors.WithLabelValues(route, "request_body_too_large").Inc()
			return false
		}
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		h.metrics.RequestErrors.WithLabelValues(route, "invalid_json").Inc()
		return false
	}
	return true
}

func (h *Handler) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Ready(r.Context()) {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (h *Handler) startRideHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRideRequest
	if !h.decode(w, r, "rides_start", &req) {
		return
	}
	if req.DeviceID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "device_id is required")
		h.metrics.RequestErrors.WithLabelValues("rides_start", "missing_device_id").Inc()
		return
	}

	resp, err := h.svc.StartRide(r.Context(), req.DeviceID)
	if err != nil {
		h.writeServiceError(w, "rides_start", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) endRideHandler(w http.ResponseWriter, r *http.Request) {
	rideID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid ride id")
		h.metrics.RequestErrors.WithLabelValues("rides_end", "invalid_ride_id").Inc()
		return
	}

	status, err := h.svc.EndRide(r.Context(), rideID)
	if err != nil && status != EndRidePublishFailed {
		h.writeServiceError(w, "rides_end", err)
		return
	}

	switch status {
	case EndRideQueued:
		h.writeJSON(w, http.StatusAccepted, EndRideResponse{Success: true, RideID: rideID.String(), Status: "ending"})
	case EndRideAlreadyEnding:
		h.writeJSON(w, http.StatusAccepted, EndRideResponse{Success: true, RideID: rideID.String(), Status: "ending"})
	case EndRideAlreadyCompleted:
		h.writeJSON(w, http.StatusOK, EndRideResponse{Success: true, RideID: rideID.String(), Status: "completed"})
	case EndRideNotFound:
		h.writeJSONError(w, http.StatusNotFound, "ride not found")
	case EndRidePublishFailed:
		h.writeJSONError(w, http.StatusBadGateway, "failed to queue ride completion")
	}
}

func (h *Handler) telemetryBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req TelemetryBatchRequest
	if !h.decode(w, r, "telemetry_batch", &req) {
		return
	}
	if req.DeviceID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "device_id is required")
		h.metrics.RequestErrors.WithLabelValues("telemetry_batch", "missing_device_id").Inc()
		return
	}

	resp, err := h.svc.SaveTelemetryBatch(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "telemetry_batch", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) drowsinessEventHandler(w http.ResponseWriter, r *http.Request) {
	var req DrowsinessEventRequest
	if !h.decode(w, r, "drowsiness_events", &req) {
		return
	}
	if req.DeviceID == "" || req.Status == "" {
		h.writeJSONError(w, http.StatusBadRequest, "device_id and status are required")
		h.metrics.RequestErrors.WithLabelValues("drowsiness_events", "missing_fields").Inc()
		return
	}

	resp, err := h.svc.LogDrowsinessEvent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "drowsiness_events", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) crashHandler(w http.ResponseWriter, r *http.Request) {
	var req CrashRequest
	if !h.decode(w, r, "crash", &req) {
		return
	}
	if req.DeviceID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "device_id is required")
		h.metrics.RequestErrors.WithLabelValues("crash", "missing_device_id").Inc()
		return
	}

	resp, err := h.svc.HandleCrash(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "crash", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) saveBaselineHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	var b drowsiness.Baseline
	if !h.decode(w, r, "baseline_save", &b) {
		return
	}

	if err := h.svc.SaveBaseline(r.Context(), code, b); err != nil {
		h.writeServiceError(w, "baseline_save", err)
		return
	}
	h.writeJSON(w, http.StatusOK, BaselineSaveResponse{Success: true, DeviceID: code})
}

func (h *Handler) getBaselineHandler(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	b, err := h.svc.GetBaseline(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, "baseline_get", err)
		return
	}
	if b == nil {
		h.writeJSONError(w, http.StatusNotFound, "no baseline recorded")
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, route string, err error) {
	if errors.Is(err, ErrDeviceNotFound) {
		h.writeJSONError(w, http.StatusNotFound, "device not found")
		h.metrics.RequestErrors.WithLabelValues(route, "device_not_found").Inc()
		return
	}
	h.log.Error("request failed", "route", route, "error", err)
	h.writeJSONError(w, http.StatusInternalServerError, "internal error")
	h.metrics.RequestErrors.WithLabelValues(route, "internal").Inc()
}
