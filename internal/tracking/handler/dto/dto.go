package dto

import notifymodel "ride-hail-tracking/internal/notify/model"

type LocationRequest struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	SpeedKmh   float64 `json:"speed_kmh"`
	Heading    float64 `json:"heading_degrees"`
	CapturedAt string  `json:"captured_at"`
}

type LocationResponse struct {
	Accepted bool `json:"accepted"`
}

type SOSRequest struct {
	TriggeredBy string  `json:"triggered_by"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

type SOSResponse struct {
	AlertID string `json:"alert_id"`
}

type AcknowledgeRequest struct {
	OperatorID string `json:"operator_id"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Circuits map[string]string      `json:"circuits"`
	Queue    notifymodel.QueueDepth `json:"queue"`
}
