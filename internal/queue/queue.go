// Package queue orders queued job ids by service tier.
//
// Dequeue always serves the highest non-empty tier first and the oldest
// entry within a tier. There is no aging: under sustained high-tier load
// low-tier jobs wait.
package queue

import (
	"errors"
	"fmt"
	"time"
)

type Tier int

const (
	TierLow    Tier = 1 // Free
	TierNormal Tier = 2 // Starter
	TierHigh   Tier = 3 // Pro
)

// Tiers lists tiers in dequeue order.
var Tiers = []Tier{TierHigh, TierNormal, TierLow}

var ErrInvalidTier = errors.New("queue: invalid tier")

func (t Tier) Valid() bool {
	return t >= TierLow && t <= TierHigh
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Entry is a queued job id. It never leaves the queue package.
type Entry struct {
	JobID      string
	Tier       Tier
	EnqueuedAt time.Time
}
