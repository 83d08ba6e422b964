package model

import "time"

// LocationSample is the last-known position of a trip. Only the freshest
// sample per trip is ever retained; CapturedAt decides freshness.
type LocationSample struct {
	TripID     string    `json:"trip_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedKmh   float64   `json:"speed_kmh"`
	Heading    float64   `json:"heading_degrees"`
	CapturedAt time.Time `json:"captured_at"`
}

type Subscription struct {
	TripID       string    `json:"trip_id"`
	ConnectionID string    `json:"connection_id"`
	InstanceID   string    `json:"instance_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// TripStatus is the operator view of a trip's tracking window.
type TripStatus struct {
	TripID      string `json:"trip_id"`
	Active      bool   `json:"active"`
	Completed   bool   `json:"completed"`
	SOSActive   bool   `json:"sos_active"`
	HasLocation bool   `json:"has_location"`
}

const (
	EnvelopeTypeLocation = "location"
	EnvelopeTypeSOSEvent = "sosEvent"
)

// Envelope is the wire format delivered to subscribed clients. Clients must
// ignore a location envelope whose payload.captured_at is not newer than the
// last one they rendered.
type Envelope struct {
	Type    string      `json:"type"`
	TripID  string      `json:"trip_id"`
	Payload interface{} `json:"payload"`
	Ts      time.Time   `json:"ts"`
}
