package model

import (
	"encoding/json"
	"time"
)

type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Job type names double as worker handler registrations.
const (
	TypePush            = "notify_push"
	TypeSMS             = "notify_sms"
	TypeEmail           = "notify_email"
	TypeVoice           = "notify_voice"
	TypeEscalationCheck = "sos_escalation_check"
)

// Job is one durable delivery attempt unit. Enqueue success means the job
// will eventually reach COMPLETED or FAILED, even across a process restart.
type Job struct {
	ID            string          `json:"job_id" db:"id"`
	Type          string          `json:"job_type" db:"job_type"`
	Priority      Priority        `json:"priority" db:"priority"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Attempts      int             `json:"attempts" db:"attempts"`
	MaxAttempts   int             `json:"max_attempts" db:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	Status        Status          `json:"status" db:"status"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ChannelPayload is the common payload for channel delivery jobs. AlertID is
// set when the job belongs to an SOS alert so its result can be recorded.
type ChannelPayload struct {
	TripID    string `json:"trip_id"`
	AlertID   string `json:"alert_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"`
}

type QueueDepth struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}
