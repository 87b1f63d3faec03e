// Package billing decides whether an owner can afford a job and records
// credit consumption against their subscription period.
package billing

import (
	"errors"
	"time"

	"quantforge/backend/internal/queue"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// Unlimited is reported as the available balance of plans without an allotment.
const Unlimited = -1

var (
	ErrInsufficientCredits = errors.New("billing: insufficient credits")
	ErrInvalidAmount       = errors.New("billing: amount must be positive")
	ErrUnknownMethod       = errors.New("billing: unknown quantization method")
)

// Allotment is the number of credits per period, or Unlimited.
func (p Plan) Allotment() int {
	switch p {
	case PlanStarter:
		return 10
	case PlanPro:
		return Unlimited
	}
	return 1
}

// Tier maps the plan to its queue tier. Unknown plans get Free treatment.
func (p Plan) Tier() queue.Tier {
	switch p {
	case PlanStarter:
		return queue.TierNormal
	case PlanPro:
		return queue.TierHigh
	}
	return queue.TierLow
}

type Subscription struct {
	OwnerID     string    `json:"owner_id"`
	Plan        Plan      `json:"plan"`
	PeriodStart time.Time `json:"current_period_start"`
	PeriodEnd   time.Time `json:"current_period_end"`
}

// FreeSubscription is what an owner without a subscription row gets: the
// calendar month containing now.
func FreeSubscription(ownerID string, now time.Time) Subscription {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Subscription{OwnerID: ownerID, Plan: PlanFree, PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}
}

// Rolled advances the period month by month until it contains now.
func (s Subscription) Rolled(now time.Time) Subscription {
	for !now.Before(s.PeriodEnd) {
		s.PeriodStart = s.PeriodEnd
		s.PeriodEnd = s.PeriodEnd.AddDate(0, 1, 0)
	}
	return s
}

// Remaining is the balance after used credits, or Unlimited.
func (s Subscription) Remaining(used int) int {
	allot := s.Plan.Allotment()
	if allot == Unlimited {
		return Unlimited
	}
	return max(allot-used, 0)
}

// Covers reports whether a balance returned by Remaining pays for cost.
func Covers(remaining, cost int) bool {
	return remaining == Unlimited || remaining >= cost
}
