package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quantforge/backend/internal/queue"
)

// Ledger persists subscriptions and credit movements.
type Ledger interface {
	// Subscription returns the owner's subscription with its period rolled to
	// contain now. Owners without a row get FreeSubscription.
	Subscription(ctx context.Context, ownerID string, now time.Time) (Subscription, error)
	// Used sums consumption net of refunds since the given instant.
	Used(ctx context.Context, ownerID string, since time.Time) (int, error)
	// Consume atomically checks the balance and records the consumption.
	// It returns ErrInsufficientCredits without recording anything when the
	// balance does not cover cost.
	Consume(ctx context.Context, ownerID string, cost int, jobRef string, now time.Time) error
	Refund(ctx context.Context, ownerID string, amount int, reason string, now time.Time) error
}

// Admission gates job submission on credits.
type Admission struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewAdmission(ledger Ledger, logger *slog.Logger) *Admission {
	return &Admission{ledger: ledger, logger: logger, now: time.Now}
}

// Available returns the owner's balance this period, or Unlimited.
func (a *Admission) Available(ctx context.Context, ownerID string) (int, error) {
	now := a.now()
	sub, err := a.ledger.Subscription(ctx, ownerID, now)
	if err != nil {
		return 0, err
	}
	if sub.Plan.Allotment() == Unlimited {
		return Unlimited, nil
	}
	used, err := a.ledger.Used(ctx, ownerID, sub.PeriodStart)
	if err != nil {
		return 0, err
	}
	return sub.Remaining(used), nil
}

// CheckAndReserve consumes cost credits for jobRef or fails with
// ErrInsufficientCredits. Consumption is synchronous and not held open.
func (a *Admission) CheckAndReserve(ctx context.Context, ownerID string, cost int, jobRef string) error {
	if cost <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, cost)
	}
	if err := a.ledger.Consume(ctx, ownerID, cost, jobRef, a.now()); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "credits consumed", "owner_id", ownerID, "amount", cost, "job_id", jobRef)
	return nil
}

// Refund returns credits after a consumption whose job was never persisted.
func (a *Admission) Refund(ctx context.Context, ownerID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if err := a.ledger.Refund(ctx, ownerID, amount, reason, a.now()); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "credits refunded", "owner_id", ownerID, "amount", amount, "reason", reason)
	return nil
}

// Tier is the queue tier the owner's plan buys.
func (a *Admission) Tier(ctx context.Context, ownerID string) (queue.Tier, error) {
	sub, err := a.ledger.Subscription(ctx, ownerID, a.now())
	if err != nil {
		return 0, err
	}
	return sub.Plan.Tier(), nil
}
