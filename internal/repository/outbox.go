package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overdrive-yt/sportsdevil/domain"
)

const (
	EventCompleted       = "checkout.completed"
	EventFailed          = "checkout.failed"
	EventAwaitingSupport = "checkout.awaiting_support"
	EventResolved        = "checkout.resolved"
)

type OutboxEvent struct {
	ID          int
	AggregateId string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

type eventPayload struct {
	AttemptID   string               `json:"attempt_id"`
	UserID      string               `json:"user_id"`
	IntentID    string               `json:"intent_id,omitempty"`
	State       domain.CheckoutState `json:"state"`
	Failure     domain.FailureKind   `json:"failure,omitempty"`
	OrderNumber string               `json:"order_number,omitempty"`
	TotalMinor  int64                `json:"total_minor"`
	Total       string               `json:"total"`
	Currency    string               `json:"currency"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

func eventTypeFor(state domain.CheckoutState) string {
	switch state {
	case domain.StateCompleted:
		return EventCompleted
	case domain.StateAwaitingSupport:
		return EventAwaitingSupport
	default:
		return EventFailed
	}
}

func payloadFor(a *Attempt) eventPayload {
	return eventPayload{
		AttemptID:   a.ID,
		UserID:      a.UserID,
		IntentID:    a.IntentID,
		State:       a.State,
		Failure:     a.FailureKind,
		OrderNumber: a.OrderNumber,
		TotalMinor:  a.TotalMinor,
		Total:       domain.MajorUnits(a.TotalMinor),
		Currency:    a.Currency,
		OccurredAt:  a.UpdatedAt,
	}
}

func insertEvent(ctx context.Context, tx *sql.Tx, aggregateID, eventType string, payload eventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		aggregateID, eventType, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox_events WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateId, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %d as processed: %w", id, err)
	}
	return nil
}
