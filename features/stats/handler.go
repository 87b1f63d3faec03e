package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"quantforge/backend/features/job"
	"quantforge/backend/internal/middleware"
	"quantforge/backend/internal/queue"
)

type QueueSizer interface {
	Size(ctx context.Context, tiers ...queue.Tier) (int, error)
}

type JobCounter interface {
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}

type InFlight interface {
	Len() int
}

type Handler struct {
	queue    QueueSizer
	jobs     JobCounter
	inflight InFlight
}

func NewHandler(q QueueSizer, j JobCounter, f InFlight) *Handler {
	return &Handler{queue: q, jobs: j, inflight: f}
}

type QueueDepth struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

type StatsResponse struct {
	Queued   QueueDepth         `json:"queued"`
	InFlight int                `json:"in_flight"`
	Jobs     map[job.Status]int `json:"jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	var depth QueueDepth
	for _, tier := range queue.Tiers {
		n, err := h.queue.Size(ctx, tier)
		if err != nil {
			slog.ErrorContext(ctx, "failed to size queue", "error", err, "tier", tier.String(), "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read queue depth", http.StatusInternalServerError)
			return
		}
		switch tier {
		case queue.TierHigh:
			depth.High = n
		case queue.TierNormal:
			depth.Normal = n
		case queue.TierLow:
			depth.Low = n
		}
	}

	counts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}
	for _, s := range job.Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}

	inFlight := 0
	if h.inflight != nil {
		inFlight = h.inflight.Len()
	}

	resp := StatsResponse{
		Queued:   depth,
		InFlight: inFlight,
		Jobs:     counts,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
