package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ride-hail-tracking/internal/sos/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("alert not found")

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

type AlertRepository struct {
	db DB
}

func NewAlertRepository(db DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert durably writes the alert in PERSISTED state. The coordinator never
// attempts a notification until this call has returned.
func (r *AlertRepository) Insert(ctx context.Context, alert model.Alert) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sos_alerts (id, trip_id, triggered_by, lat, lng, triggered_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'PERSISTED')
	`, alert.ID, alert.TripID, alert.TriggeredBy, alert.Lat, alert.Lng, alert.TriggeredAt)
	if err != nil {
		return fmt.Errorf("failed to persist sos alert: %w", err)
	}
	return nil
}

// FindActiveByTrip returns the non-resolved alert for the trip, if one
// exists. Duplicate triggers are answered with this alert's id.
func (r *AlertRepository) FindActiveByTrip(ctx context.Context, tripID string) (*model.Alert, error) {
	alert, err := r.scanAlert(r.db.QueryRow(ctx, `
		SELECT id, trip_id, triggered_by, lat, lng, triggered_at, state, acknowledged_by, resolved_at, resolution
		FROM sos_alerts
		WHERE trip_id = $1 AND state <> 'RESOLVED'
		ORDER BY triggered_at DESC
		LIMIT 1
	`, tripID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up active alert: %w", err)
	}
	return alert, nil
}

func (r *AlertRepository) Get(ctx context.Context, alertID string) (*model.Alert, error) {
	alert, err := r.scanAlert(r.db.QueryRow(ctx, `
		SELECT id, trip_id, triggered_by, lat, lng, triggered_at, state, acknowledged_by, resolved_at, resolution
		FROM sos_alerts
		WHERE id = $1
	`, alertID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT channel, status, attempted_at
		FROM sos_channel_results
		WHERE alert_id = $1
		ORDER BY attempted_at ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cr model.ChannelResult
		if err := rows.Scan(&cr.Channel, &cr.Status, &cr.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel result: %w", err)
		}
		alert.ChannelResults = append(alert.ChannelResults, cr)
	}
	return alert, nil
}

// TransitionState moves the alert from one of the given states to the target
// state; reports whether this caller won the transition. The WHERE clause is
// the compare half of the compare-and-swap.
func (r *AlertRepository) TransitionState(ctx context.Context, alertID string, from []model.State, to model.State) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE sos_alerts
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = ANY($3)
	`, alertID, to, states)
	if err != nil {
		return false, fmt.Errorf("failed to transition alert state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AlertRepository) Acknowledge(ctx context.Context, alertID, operatorID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sos_alerts
		SET state = 'ACKNOWLEDGED', acknowledged_by = $2, updated_at = now()
		WHERE id = $1 AND state IN ('PERSISTED', 'NOTIFYING', 'ESCALATED')
	`, alertID, operatorID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve is terminal and always records a resolution reason and timestamp.
func (r *AlertRepository) Resolve(ctx context.Context, alertID, resolution string, resolvedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sos_alerts
		SET state = 'RESOLVED', resolution = $2, resolved_at = $3, updated_at = now()
		WHERE id = $1 AND state IN ('PERSISTED', 'NOTIFYING', 'ACKNOWLEDGED', 'ESCALATED')
	`, alertID, resolution, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AlertRepository) AddChannelResult(ctx context.Context, alertID, channel, status string, attemptedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sos_channel_results (alert_id, channel, status, attempted_at)
		VALUES ($1, $2, $3, $4)
	`, alertID, channel, status, attemptedAt)
	if err != nil {
		return fmt.Errorf("failed to record channel result: %w", err)
	}
	return nil
}

func (r *AlertRepository) scanAlert(row pgx.Row) (*model.Alert, error) {
	var alert model.Alert
	err := row.Scan(&alert.ID, &alert.TripID, &alert.TriggeredBy, &alert.Lat, &alert.Lng,
		&alert.TriggeredAt, &alert.State, &alert.AcknowledgedBy, &alert.ResolvedAt, &alert.Resolution)
	if err != nil {
		return nil, err
	}
	return &alert, nil
}
