package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ride-hail-tracking/internal/admission"
	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"
	notifymodel "ride-hail-tracking/internal/notify/model"
	sosmodel "ride-hail-tracking/internal/sos/model"
	sosservice "ride-hail-tracking/internal/sos/service"
	"ride-hail-tracking/internal/tracking/handler/dto"
	"ride-hail-tracking/internal/tracking/service"
	"ride-hail-tracking/pkg/uuid"
)

type Limiter interface {
	Allow(ctx context.Context, actor string, class admission.Class) error
}

type CircuitStates interface {
	States(ctx context.Context) (map[string]string, error)
}

type QueueDepth interface {
	Depth(ctx context.Context) (notifymodel.QueueDepth, error)
}

type TrackingHandler struct {
	tracking *service.TrackingService
	sos      *sosservice.Coordinator
	limiter  Limiter
	breaker  CircuitStates
	queue    QueueDepth
}

func NewHandler(tracking *service.TrackingService, sos *sosservice.Coordinator, limiter Limiter, breaker CircuitStates, queue QueueDepth) *TrackingHandler {
	return &TrackingHandler{
		tracking: tracking,
		sos:      sos,
		limiter:  limiter,
		breaker:  breaker,
		queue:    queue,
	}
}

// IngestLocation handles the high-frequency sample path. Rejections are
// typed: 429 with a Retry-After hint, never a silent drop.
func (h *TrackingHandler) IngestLocation(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	if !h.admit(w, r, tripID, requestID, admission.ClassStandard) {
		return
	}

	var req dto.LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("ingest_location", "Invalid request body", requestID, tripID, err.Error())
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	capturedAt, err := service.ParseCapturedAt(req.CapturedAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	accepted, err := h.tracking.Ingest(ctx, model.LocationSample{
		TripID:     tripID,
		Lat:        req.Lat,
		Lng:        req.Lng,
		SpeedKmh:   req.SpeedKmh,
		Heading:    req.Heading,
		CapturedAt: capturedAt,
	})
	if err != nil {
		logger.Error("ingest_location", "Failed to ingest location", requestID, tripID, err.Error())
		http.Error(w, "failed to ingest location", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, dto.LocationResponse{Accepted: accepted})
}

func (h *TrackingHandler) GetLastLocation(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	if !h.admit(w, r, tripID, requestID, admission.ClassStandard) {
		return
	}

	sample, err := h.tracking.GetLastSample(ctx, tripID)
	if err != nil {
		logger.Error("get_last_location", "Failed to read cached location", requestID, tripID, err.Error())
		http.Error(w, "failed to read location", http.StatusInternalServerError)
		return
	}
	if sample == nil {
		http.Error(w, "no location for trip", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// TriggerSOS never drops silently: a persist failure surfaces as 503 so the
// client can fall back to a direct emergency channel.
func (h *TrackingHandler) TriggerSOS(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	if !h.admit(w, r, tripID, requestID, admission.ClassCritical) {
		return
	}

	var req dto.SOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("trigger_sos", "Invalid request body", requestID, tripID, err.Error())
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	triggeredBy := sosmodel.TriggeredBy(req.TriggeredBy)
	if triggeredBy != sosmodel.TriggeredByPassenger && triggeredBy != sosmodel.TriggeredByDriver {
		http.Error(w, "triggered_by must be passenger or driver", http.StatusBadRequest)
		return
	}

	alertID, err := h.sos.Trigger(ctx, tripID, triggeredBy, req.Lat, req.Lng)
	if err != nil {
		if errors.Is(err, sosservice.ErrTripNotEligible) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Error("trigger_sos", "SOS trigger failed", requestID, tripID, err.Error())
		http.Error(w, "sos could not be recorded, use a direct emergency channel", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, dto.SOSResponse{AlertID: alertID})
}

func (h *TrackingHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	alertID := r.PathValue("alert_id")
	requestID := newRequestID()

	var req dto.AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OperatorID == "" {
		http.Error(w, "operator_id is required", http.StatusBadRequest)
		return
	}

	if err := h.sos.Acknowledge(ctx, alertID, req.OperatorID); err != nil {
		h.writeSOSError(w, requestID, alertID, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.StatusResponse{Status: "ACKNOWLEDGED"})
}

func (h *TrackingHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	alertID := r.PathValue("alert_id")
	requestID := newRequestID()

	var req dto.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Resolution == "" {
		http.Error(w, "resolution is required", http.StatusBadRequest)
		return
	}

	if err := h.sos.Resolve(ctx, alertID, req.Resolution); err != nil {
		h.writeSOSError(w, requestID, alertID, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.StatusResponse{Status: "RESOLVED"})
}

func (h *TrackingHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	alertID := r.PathValue("alert_id")
	requestID := newRequestID()

	alert, err := h.sos.GetAlert(ctx, alertID)
	if err != nil {
		h.writeSOSError(w, requestID, alertID, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *TrackingHandler) StartTrip(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	if err := h.tracking.TripStarted(ctx, tripID); err != nil {
		logger.Error("start_trip", "Failed to open tracking window", requestID, tripID, err.Error())
		http.Error(w, "failed to start trip", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.StatusResponse{Status: "STARTED"})
}

func (h *TrackingHandler) CompleteTrip(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	if err := h.tracking.TripCompleted(ctx, tripID); err != nil {
		logger.Error("complete_trip", "Failed to close tracking window", requestID, tripID, err.Error())
		http.Error(w, "failed to complete trip", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dto.StatusResponse{Status: "COMPLETED"})
}

// TripStatus exposes the lifecycle flags of a trip to operator dashboards.
func (h *TrackingHandler) TripStatus(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	requestID := newRequestID()

	status, err := h.tracking.TripStatus(ctx, tripID)
	if err != nil {
		logger.Error("trip_status", "Failed to read trip status", requestID, tripID, err.Error())
		http.Error(w, "failed to read trip status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Health reports per-dependency circuit state and queue depth for the
// operational dashboards.
func (h *TrackingHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()

	circuits, err := h.breaker.States(ctx)
	if err != nil {
		http.Error(w, "failed to read circuit states", http.StatusInternalServerError)
		return
	}
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, dto.HealthResponse{Circuits: circuits, Queue: depth})
}

func (h *TrackingHandler) admit(w http.ResponseWriter, r *http.Request, tripID, requestID string, class admission.Class) bool {
	actor := r.Header.Get("X-Actor-ID")
	if actor == "" {
		actor = r.RemoteAddr
	}

	if err := h.limiter.Allow(context.Background(), actor, class); err != nil {
		var rle *admission.RateLimitError
		if errors.As(err, &rle) {
			secs := int(rle.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			logger.Warn("admission_rejected", "Rate limit exceeded", requestID, tripID, err.Error())
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return false
		}
		logger.Error("admission_failed", "Rate limiter unavailable", requestID, tripID, err.Error())
		http.Error(w, "admission check failed", http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *TrackingHandler) writeSOSError(w http.ResponseWriter, requestID, alertID string, err error) {
	switch {
	case errors.Is(err, sosservice.ErrNotFound):
		http.Error(w, "alert not found", http.StatusNotFound)
	case errors.Is(err, sosservice.ErrBadState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("sos_operation_failed", "Alert operation failed", requestID, alertID, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("encode_response_failed", "Failed to encode response", "", "", err.Error())
	}
}

func newRequestID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return ""
	}
	return id
}
