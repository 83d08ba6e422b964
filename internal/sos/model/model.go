package model

import "time"

type State string

const (
	// StateTriggered exists only in memory between the trigger call and
	// the durable write; an alert is never stored in this state.
	StateTriggered    State = "TRIGGERED"
	StatePersisted    State = "PERSISTED"
	StateNotifying    State = "NOTIFYING"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateEscalated    State = "ESCALATED"
	StateResolved     State = "RESOLVED"
)

type TriggeredBy string

const (
	TriggeredByPassenger TriggeredBy = "passenger"
	TriggeredByDriver    TriggeredBy = "driver"
)

const (
	ChannelPush      = "push"
	ChannelSMS       = "sms"
	ChannelEmail     = "email"
	ChannelDashboard = "operator_dashboard"
	ChannelVoice     = "voice"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type ChannelResult struct {
	Channel     string    `json:"channel" db:"channel"`
	Status      string    `json:"status" db:"status"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}

type Alert struct {
	ID             string          `json:"alert_id" db:"id"`
	TripID         string          `json:"trip_id" db:"trip_id"`
	TriggeredBy    TriggeredBy     `json:"triggered_by" db:"triggered_by"`
	Lat            float64         `json:"lat" db:"lat"`
	Lng            float64         `json:"lng" db:"lng"`
	TriggeredAt    time.Time       `json:"triggered_at" db:"triggered_at"`
	State          State           `json:"state" db:"state"`
	ChannelResults []ChannelResult `json:"channel_results" db:"-"`
	AcknowledgedBy *string         `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolution     *string         `json:"resolution,omitempty" db:"resolution"`
}

// EscalationPayload rides inside the delayed escalation-check job.
type EscalationPayload struct {
	AlertID string `json:"alert_id"`
	TripID  string `json:"trip_id"`
}
