package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	kindConsumption = "consumption"
	kindRefund      = "refund"
)

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *PostgresLedger) Subscription(ctx context.Context, ownerID string, now time.Time) (Subscription, error) {
	query := `SELECT plan, current_period_start, current_period_end FROM subscriptions WHERE owner_id = $1`
	sub := Subscription{OwnerID: ownerID}
	err := l.db.QueryRowContext(ctx, query, ownerID).Scan(&sub.Plan, &sub.PeriodStart, &sub.PeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return FreeSubscription(ownerID, now), nil
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("billing/postgres: subscription: %w", err)
	}
	return sub.Rolled(now), nil
}

func (l *PostgresLedger) Used(ctx context.Context, ownerID string, since time.Time) (int, error) {
	used, err := usedSince(ctx, l.db, ownerID, since)
	if err != nil {
		return 0, fmt.Errorf("billing/postgres: used: %w", err)
	}
	return used, nil
}

func usedSince(ctx context.Context, q queryRower, ownerID string, since time.Time) (int, error) {
	query := `SELECT COALESCE(SUM(-amount), 0) FROM credit_transactions
		WHERE owner_id = $1 AND kind IN ($2, $3) AND created_at >= $4`
	var used int
	err := q.QueryRowContext(ctx, query, ownerID, kindConsumption, kindRefund, since).Scan(&used)
	return used, err
}

// Consume locks the owner's subscription row so concurrent submissions
// cannot both spend the last credit.
func (l *PostgresLedger) Consume(ctx context.Context, ownerID string, cost int, jobRef string, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("billing/postgres: consume: %w", err)
	}
	defer tx.Rollback()

	free := FreeSubscription(ownerID, now)
	_, err = tx.ExecContext(ctx, `INSERT INTO subscriptions (owner_id, plan, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4) ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, free.Plan, free.PeriodStart, free.PeriodEnd)
	if err != nil {
		return fmt.Errorf("billing/postgres: consume: ensure subscription: %w", err)
	}

	sub := Subscription{OwnerID: ownerID}
	err = tx.QueryRowContext(ctx, `SELECT plan, current_period_start, current_period_end
		FROM subscriptions WHERE owner_id = $1 FOR UPDATE`, ownerID).
		Scan(&sub.Plan, &sub.PeriodStart, &sub.PeriodEnd)
	if err != nil {
		return fmt.Errorf("billing/postgres: consume: lock subscription: %w", err)
	}

	rolled := sub.Rolled(now)
	if !rolled.PeriodStart.Equal(sub.PeriodStart) {
		_, err = tx.ExecContext(ctx, `UPDATE subscriptions SET current_period_start = $2, current_period_end = $3
			WHERE owner_id = $1`, ownerID, rolled.PeriodStart, rolled.PeriodEnd)
		if err != nil {
			return fmt.Errorf("billing/postgres: consume: roll period: %w", err)
		}
	}

	if rolled.Plan.Allotment() != Unlimited {
		used, err := usedSince(ctx, tx, ownerID, rolled.PeriodStart)
		if err != nil {
			return fmt.Errorf("billing/postgres: consume: used: %w", err)
		}
		if !Covers(rolled.Remaining(used), cost) {
			return ErrInsufficientCredits
		}
	}

	if err := insertTransaction(ctx, tx, ownerID, kindConsumption, -cost, jobRef, "job submission", now); err != nil {
		return fmt.Errorf("billing/postgres: consume: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("billing/postgres: consume: commit: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Refund(ctx context.Context, ownerID string, amount int, reason string, now time.Time) error {
	if err := insertTransaction(ctx, l.db, ownerID, kindRefund, amount, "", reason, now); err != nil {
		return fmt.Errorf("billing/postgres: refund: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, e execer, ownerID, kind string, amount int, jobRef, description string, now time.Time) error {
	var job sql.NullString
	if jobRef != "" {
		job = sql.NullString{String: jobRef, Valid: true}
	}
	_, err := e.ExecContext(ctx, `INSERT INTO credit_transactions (id, owner_id, kind, amount, job_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), ownerID, kind, amount, job, description, now)
	return err
}
