package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/overdrive-yt/sportsdevil/domain"
)

// Attempt is a checkout_attempts row.
type Attempt struct {
	ID           string
	UserID       string
	IntentID     string
	State        domain.CheckoutState
	FailureKind  domain.FailureKind
	CartSnapshot json.RawMessage
	TotalMinor   int64
	Currency     string
	OrderID      string
	OrderNumber  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const attemptColumns = `id, user_id, intent_id, state, failure_kind, cart_snapshot, total_minor, currency,
	order_id, order_number, created_at, updated_at`

// Record upserts the attempt row. The first time an attempt reaches a terminal
// state an outbox event is written in the same transaction.
func (r *Repository) Record(ctx context.Context, rec domain.AttemptRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal cart snapshot: %w", err)
	}
	var orderID, orderNumber string
	if rec.Order != nil {
		orderID, orderNumber = rec.Order.OrderID, rec.Order.OrderNumber
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var prev sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT state FROM checkout_attempts WHERE id = $1 FOR UPDATE`, rec.ID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read attempt state: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkout_attempts (`+attemptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			ON CONFLICT (id) DO UPDATE SET
				intent_id = COALESCE(EXCLUDED.intent_id, checkout_attempts.intent_id),
				state = EXCLUDED.state,
				failure_kind = EXCLUDED.failure_kind,
				order_id = COALESCE(EXCLUDED.order_id, checkout_attempts.order_id),
				order_number = COALESCE(EXCLUDED.order_number, checkout_attempts.order_number),
				updated_at = EXCLUDED.updated_at`,
			rec.ID,
			rec.UserID,
			nullString(rec.IntentID),
			rec.State,
			rec.Failure,
			string(snapshot),
			rec.Snapshot.Totals.TotalMinor,
			rec.Snapshot.Currency,
			nullString(orderID),
			nullString(orderNumber),
			updatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateIntent, rec.IntentID)
			}
			return fmt.Errorf("failed to upsert attempt: %w", err)
		}

		if !rec.State.IsTerminal() || domain.CheckoutState(prev.String) == rec.State {
			return nil
		}
		return insertEvent(ctx, tx, rec.ID, eventTypeFor(rec.State), eventPayload{
			AttemptID:   rec.ID,
			UserID:      rec.UserID,
			IntentID:    rec.IntentID,
			State:       rec.State,
			Failure:     rec.Failure,
			OrderNumber: orderNumber,
			TotalMinor:  rec.Snapshot.Totals.TotalMinor,
			Total:       domain.MajorUnits(rec.Snapshot.Totals.TotalMinor),
			Currency:    rec.Snapshot.Currency,
			OccurredAt:  updatedAt,
		})
	})
	return err
}

func (r *Repository) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

// ListAwaitingSupport returns attempts whose payment needs manual reconciliation, oldest first.
func (r *Repository) ListAwaitingSupport(ctx context.Context, limit int) ([]*Attempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts
		WHERE state = $1 ORDER BY updated_at LIMIT $2`, domain.StateAwaitingSupport, limit)
}

// GetStuckAttempts returns attempts that hold a payment intent but have not
// progressed for olderThan. Their process most likely died mid-attempt.
func (r *Repository) GetStuckAttempts(ctx context.Context, olderThan time.Duration) ([]*Attempt, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM checkout_attempts
		WHERE state IN ($1, $2, $3) AND intent_id IS NOT NULL AND updated_at < $4
		ORDER BY updated_at LIMIT 100`,
		domain.StateConfirmingPayment, domain.StatePolling, domain.StateCreatingOrder, cutoff)
}

// MarkAwaitingSupport moves a non-terminal attempt to AwaitingSupport and
// emits the matching outbox event. It returns ErrAttemptNotFound when no
// non-terminal attempt has that id.
func (r *Repository) MarkAwaitingSupport(ctx context.Context, id string, failure domain.FailureKind) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE checkout_attempts SET state = $2, failure_kind = $3, updated_at = NOW()
			WHERE id = $1 AND state NOT IN ($4, $5, $6)
			RETURNING `+attemptColumns,
			id, domain.StateAwaitingSupport, failure,
			domain.StateCompleted, domain.StateAwaitingSupport, domain.StateFailed)
		a, err := scanAttempt(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAttemptNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to mark attempt %s: %w", id, err)
		}
		return insertEvent(ctx, tx, a.ID, EventAwaitingSupport, payloadFor(a))
	})
}

// ResolveAttempt closes an AwaitingSupport attempt once support has matched
// the payment to an order.
func (r *Repository) ResolveAttempt(ctx context.Context, id, orderNumber string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE checkout_attempts SET state = $2, failure_kind = '', order_number = $3, updated_at = NOW()
			WHERE id = $1 AND state = $4
			RETURNING `+attemptColumns,
			id, domain.StateCompleted, orderNumber, domain.StateAwaitingSupport)
		a, err := scanAttempt(row)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM checkout_attempts WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("failed to look up attempt %s: %w", id, err)
			}
			if exists {
				return ErrNotAwaitingSupport
			}
			return ErrAttemptNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve attempt %s: %w", id, err)
		}
		return insertEvent(ctx, tx, a.ID, EventResolved, payloadFor(a))
	})
}

func (r *Repository) queryAttempts(ctx context.Context, query string, args ...any) ([]*Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var (
		a                              Attempt
		intentID, orderID, orderNumber sql.NullString
		state, failure                 string
		snapshot                       []byte
	)
	err := s.Scan(&a.ID, &a.UserID, &intentID, &state, &failure, &snapshot, &a.TotalMinor, &a.Currency,
		&orderID, &orderNumber, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.IntentID = intentID.String
	a.State = domain.CheckoutState(state)
	a.FailureKind = domain.FailureKind(failure)
	a.CartSnapshot = snapshot
	a.OrderID = orderID.String
	a.OrderNumber = orderNumber.String
	return &a, nil
}
