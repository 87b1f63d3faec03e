package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quantforge/backend/features/billing"
	"quantforge/backend/internal/queue"
)

const gib = int64(1) << 30

func TestCost(t *testing.T) {
	tests := []struct {
		method string
		size   int64
		want   int
	}{
		{"int8", 1_000_000_000, 1},
		{"gptq", 1 * gib, 2},
		{"awq", 20 * gib, 2},
		{"awq", 20*gib + 1, 4},
		{"gguf_q4_0", 100 * gib, 2},
		{"gguf_q5_0", 100*gib + 1, 3},
		{"gptq", 200 * gib, 6},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := billing.Cost(tt.method, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := billing.Cost("fp4", 1)
	assert.ErrorIs(t, err, billing.ErrUnknownMethod)
}

func TestPlan(t *testing.T) {
	assert.Equal(t, 1, billing.PlanFree.Allotment())
	assert.Equal(t, 10, billing.PlanStarter.Allotment())
	assert.Equal(t, billing.Unlimited, billing.PlanPro.Allotment())

	assert.Equal(t, queue.TierLow, billing.PlanFree.Tier())
	assert.Equal(t, queue.TierNormal, billing.PlanStarter.Tier())
	assert.Equal(t, queue.TierHigh, billing.PlanPro.Tier())
	assert.Equal(t, queue.TierLow, billing.Plan("legacy").Tier())
}

func TestSubscription_Remaining(t *testing.T) {
	starter := billing.Subscription{Plan: billing.PlanStarter}
	assert.Equal(t, 7, starter.Remaining(3))
	assert.Equal(t, 0, starter.Remaining(12))

	pro := billing.Subscription{Plan: billing.PlanPro}
	assert.Equal(t, billing.Unlimited, pro.Remaining(1000))

	assert.True(t, billing.Covers(billing.Unlimited, 50))
	assert.True(t, billing.Covers(2, 2))
	assert.False(t, billing.Covers(0, 1))
}

func TestSubscription_Rolled(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := billing.Subscription{Plan: billing.PlanStarter, PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)}

	same := sub.Rolled(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, start, same.PeriodStart)

	later := sub.Rolled(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), later.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), later.PeriodEnd)
}

func TestFreeSubscription(t *testing.T) {
	sub := billing.FreeSubscription("u1", time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, billing.PlanFree, sub.Plan)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), sub.PeriodStart)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), sub.PeriodEnd)
}
