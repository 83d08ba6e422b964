package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ride-hail-tracking/internal/common/logger"
	notifymodel "ride-hail-tracking/internal/notify/model"
	"ride-hail-tracking/internal/notify/worker"
	"ride-hail-tracking/internal/sos/model"
	"ride-hail-tracking/internal/sos/repository"
	"ride-hail-tracking/pkg/uuid"
)

var (
	ErrTripNotEligible = errors.New("trip is completed, sos is no longer eligible")
	ErrPersistFailed   = errors.New("failed to durably persist sos alert")
	// ErrInvariant marks a persistence-before-notification violation; the
	// operation must abort, never proceed.
	ErrInvariant = errors.New("alert not readable after persist")
	ErrNotFound  = errors.New("alert not found")
	ErrBadState  = errors.New("alert state does not allow this transition")
)

type AlertRepository interface {
	Insert(ctx context.Context, alert model.Alert) error
	FindActiveByTrip(ctx context.Context, tripID string) (*model.Alert, error)
	Get(ctx context.Context, alertID string) (*model.Alert, error)
	TransitionState(ctx context.Context, alertID string, from []model.State, to model.State) (bool, error)
	Acknowledge(ctx context.Context, alertID, operatorID string) (bool, error)
	Resolve(ctx context.Context, alertID, resolution string, resolvedAt time.Time) (bool, error)
	AddChannelResult(ctx context.Context, alertID, channel, status string, attemptedAt time.Time) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, job notifymodel.Job) error
}

type EventPublisher interface {
	PublishSOSEvent(ctx context.Context, tripID string, payload interface{}) error
}

type TripFlags interface {
	IsCompleted(ctx context.Context, tripID string) (bool, error)
	MarkSOSActive(ctx context.Context, tripID string) error
	ClearSOSActive(ctx context.Context, tripID string) error
}

type Config struct {
	AckWindow      time.Duration
	JobMaxAttempts int
	PersistRetries int
	PersistBackoff time.Duration
}

// Coordinator drives the alert state machine:
// TRIGGERED -> PERSISTED -> NOTIFYING -> (ACKNOWLEDGED | ESCALATED) -> RESOLVED.
type Coordinator struct {
	repo  AlertRepository
	queue JobQueue
	bus   EventPublisher
	flags TripFlags
	cfg   Config
	now   func() time.Time
}

func NewCoordinator(repo AlertRepository, queue JobQueue, bus EventPublisher, flags TripFlags, cfg Config) *Coordinator {
	return &Coordinator{
		repo:  repo,
		queue: queue,
		bus:   bus,
		flags: flags,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Trigger persists the alert first and only then fans notification jobs out.
// A failure to persist is retried with backoff before a clear failure is
// returned, so the client can fall back to a direct emergency channel.
func (c *Coordinator) Trigger(ctx context.Context, tripID string, triggeredBy model.TriggeredBy, lat, lng float64) (string, error) {
	logger.Info("sos_triggered", fmt.Sprintf("SOS triggered by %s", triggeredBy), "", tripID)

	completed, err := c.flags.IsCompleted(ctx, tripID)
	if err != nil {
		logger.Warn("sos_eligibility_check_failed", "Could not check trip completion, proceeding", "", tripID, err.Error())
	} else if completed {
		return "", ErrTripNotEligible
	}

	// Duplicate trigger for a trip with an active alert is idempotent.
	if existing, err := c.repo.FindActiveByTrip(ctx, tripID); err == nil {
		logger.Info("sos_duplicate_trigger", "Active alert already exists for trip", "", tripID)
		return existing.ID, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	alertID, err := uuid.NewUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate alert id: %w", err)
	}

	alert := model.Alert{
		ID:          alertID,
		TripID:      tripID,
		TriggeredBy: triggeredBy,
		Lat:         lat,
		Lng:         lng,
		TriggeredAt: c.now().UTC(),
		State:       model.StatePersisted,
	}

	if err := c.persistWithRetry(ctx, alert); err != nil {
		logger.Error("sos_persist_failed", "Alert could not be persisted, caller must fall back", "", tripID, err.Error())
		return "", fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	// Invariant: the record must be independently readable before any
	// notification job exists for it.
	if _, err := c.repo.Get(ctx, alert.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	c.enqueueChannelJobs(ctx, alert)

	if err := c.enqueueEscalationCheck(ctx, alert); err != nil {
		logger.Error("sos_escalation_schedule_failed", "Failed to schedule escalation check", "", tripID, err.Error())
	}

	if _, err := c.repo.TransitionState(ctx, alert.ID,
		[]model.State{model.StatePersisted}, model.StateNotifying); err != nil {
		logger.Error("sos_state_transition_failed", "Failed to enter NOTIFYING", "", tripID, err.Error())
	}

	if err := c.flags.MarkSOSActive(ctx, tripID); err != nil {
		logger.Warn("sos_flag_failed", "Failed to mark trip sos-active", "", tripID, err.Error())
	}

	// Operator dashboards learn about the alert over the bus; best-effort.
	if err := c.bus.PublishSOSEvent(ctx, tripID, map[string]string{
		"alert_id": alert.ID,
		"event":    "triggered",
	}); err != nil {
		logger.Warn("sos_event_publish_failed", "Failed to publish sos event", "", tripID, err.Error())
	}

	return alert.ID, nil
}

func (c *Coordinator) persistWithRetry(ctx context.Context, alert model.Alert) error {
	var err error
	for attempt := 0; attempt <= c.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.PersistBackoff * time.Duration(attempt)):
			}
		}
		if err = c.repo.Insert(ctx, alert); err == nil {
			return nil
		}
		logger.Warn("sos_persist_retry",
			fmt.Sprintf("Persist attempt %d failed", attempt+1), "", alert.TripID, err.Error())
	}
	return err
}

// enqueueChannelJobs fans one critical job per channel out in parallel; the
// channels are independent of each other's outcome.
func (c *Coordinator) enqueueChannelJobs(ctx context.Context, alert model.Alert) {
	jobs := []struct {
		jobType string
		channel string
	}{
		{notifymodel.TypePush, model.ChannelPush},
		{notifymodel.TypeSMS, model.ChannelSMS},
		{notifymodel.TypeEmail, model.ChannelEmail},
		{notifymodel.TypePush, model.ChannelDashboard},
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(jobType, channel string) {
			defer wg.Done()
			if err := c.enqueueChannelJob(ctx, alert, jobType, channel); err != nil {
				logger.Error("sos_channel_enqueue_failed",
					fmt.Sprintf("Failed to enqueue %s job", channel), "", alert.TripID, err.Error())
			}
		}(j.jobType, j.channel)
	}
	wg.Wait()
}

func (c *Coordinator) enqueueChannelJob(ctx context.Context, alert model.Alert, jobType, channel string) error {
	jobID, err := uuid.NewUUID()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(notifymodel.ChannelPayload{
		TripID:  alert.TripID,
		AlertID: alert.ID,
		Message: fmt.Sprintf("SOS alert for trip %s triggered by %s", alert.TripID, alert.TriggeredBy),
	})
	if err != nil {
		return err
	}

	return c.queue.Enqueue(ctx, notifymodel.Job{
		ID:            jobID,
		Type:          jobType,
		Priority:      notifymodel.PriorityCritical,
		Payload:       payload,
		MaxAttempts:   c.cfg.JobMaxAttempts,
		NextAttemptAt: c.now().UTC(),
	})
}

// enqueueEscalationCheck schedules the ack-window timer as a delayed durable
// job, so a process restart cannot drop a pending escalation.
func (c *Coordinator) enqueueEscalationCheck(ctx context.Context, alert model.Alert) error {
	jobID, err := uuid.NewUUID()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(model.EscalationPayload{
		AlertID: alert.ID,
		TripID:  alert.TripID,
	})
	if err != nil {
		return err
	}

	return c.queue.Enqueue(ctx, notifymodel.Job{
		ID:            jobID,
		Type:          notifymodel.TypeEscalationCheck,
		Priority:      notifymodel.PriorityCritical,
		Payload:       payload,
		MaxAttempts:   c.cfg.JobMaxAttempts,
		NextAttemptAt: c.now().UTC().Add(c.cfg.AckWindow),
	})
}

// HandleEscalationCheck runs when the ack window elapses. An alert still
// unacknowledged escalates exactly once: the state CAS decides the winner.
func (c *Coordinator) HandleEscalationCheck(ctx context.Context, job notifymodel.Job) error {
	var payload model.EscalationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid escalation payload: %w", err)
	}

	alert, err := c.repo.Get(ctx, payload.AlertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	switch alert.State {
	case model.StatePersisted, model.StateNotifying:
	default:
		// Acknowledged, resolved or already escalated: nothing to do.
		return nil
	}

	won, err := c.repo.TransitionState(ctx, alert.ID,
		[]model.State{model.StatePersisted, model.StateNotifying}, model.StateEscalated)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	logger.Warn("sos_escalated",
		fmt.Sprintf("Alert %s unacknowledged after ack window, escalating", alert.ID),
		"", alert.TripID, "")

	jobID, err := uuid.NewUUID()
	if err != nil {
		return err
	}
	voicePayload, err := json.Marshal(notifymodel.ChannelPayload{
		TripID:  alert.TripID,
		AlertID: alert.ID,
		Message: fmt.Sprintf("ESCALATION: unacknowledged SOS on trip %s", alert.TripID),
	})
	if err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, notifymodel.Job{
		ID:            jobID,
		Type:          notifymodel.TypeVoice,
		Priority:      notifymodel.PriorityCritical,
		Payload:       voicePayload,
		MaxAttempts:   c.cfg.JobMaxAttempts,
		NextAttemptAt: c.now().UTC(),
	}); err != nil {
		return err
	}

	if err := c.bus.PublishSOSEvent(ctx, alert.TripID, map[string]string{
		"alert_id": alert.ID,
		"event":    "escalated",
	}); err != nil {
		logger.Warn("sos_event_publish_failed", "Failed to publish escalation event", "", alert.TripID, err.Error())
	}
	return nil
}

// RecordingHandler wraps a channel delivery handler so that every attempt
// belonging to an SOS alert lands in channel_results as it resolves.
func (c *Coordinator) RecordingHandler(channel string, h worker.Handler) worker.Handler {
	return func(ctx context.Context, job notifymodel.Job) error {
		err := h(ctx, job)

		var payload notifymodel.ChannelPayload
		if jsonErr := json.Unmarshal(job.Payload, &payload); jsonErr != nil || payload.AlertID == "" {
			return err
		}

		status := model.ResultSuccess
		if err != nil {
			status = model.ResultFailure
		}
		if recErr := c.repo.AddChannelResult(ctx, payload.AlertID, channel, status, c.now().UTC()); recErr != nil {
			logger.Error("sos_channel_result_failed", "Failed to record channel result", job.ID, payload.TripID, recErr.Error())
		}
		return err
	}
}

func (c *Coordinator) Acknowledge(ctx context.Context, alertID, operatorID string) error {
	ok, err := c.repo.Acknowledge(ctx, alertID, operatorID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.repo.Get(ctx, alertID); err != nil {
			return ErrNotFound
		}
		return ErrBadState
	}

	alert, err := c.repo.Get(ctx, alertID)
	if err != nil {
		return err
	}
	logger.Info("sos_acknowledged", fmt.Sprintf("Alert %s acknowledged by %s", alertID, operatorID), "", alert.TripID)

	if err := c.bus.PublishSOSEvent(ctx, alert.TripID, map[string]string{
		"alert_id": alertID,
		"event":    "acknowledged",
	}); err != nil {
		logger.Warn("sos_event_publish_failed", "Failed to publish ack event", "", alert.TripID, err.Error())
	}
	return nil
}

// Resolve is terminal. It also clears the sos-active flag so the trip stops
// being treated as an emergency and no further escalation fires.
func (c *Coordinator) Resolve(ctx context.Context, alertID, resolution string) error {
	if resolution == "" {
		return errors.New("resolution reason is required")
	}

	ok, err := c.repo.Resolve(ctx, alertID, resolution, c.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.repo.Get(ctx, alertID); err != nil {
			return ErrNotFound
		}
		return ErrBadState
	}

	alert, err := c.repo.Get(ctx, alertID)
	if err != nil {
		return err
	}
	logger.Info("sos_resolved", fmt.Sprintf("Alert %s resolved: %s", alertID, resolution), "", alert.TripID)

	if err := c.flags.ClearSOSActive(ctx, alert.TripID); err != nil {
		logger.Warn("sos_flag_failed", "Failed to clear sos-active flag", "", alert.TripID, err.Error())
	}

	if err := c.bus.PublishSOSEvent(ctx, alert.TripID, map[string]string{
		"alert_id": alertID,
		"event":    "resolved",
	}); err != nil {
		logger.Warn("sos_event_publish_failed", "Failed to publish resolve event", "", alert.TripID, err.Error())
	}
	return nil
}

func (c *Coordinator) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	alert, err := c.repo.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return alert, nil
}
