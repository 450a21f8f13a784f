package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kasgate/internal/store"
	"kasgate/internal/webhook"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	stats, err := s.engine.Sessions.Stats(r.Context(), m.ID)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"countsByStatus":  stats.CountsByStatus,
		"confirmedVolume": stats.ConfirmedVolume,
	})
}

// handleAnalytics serves GET /merchants/me/analytics. Its query parameters
// are named startDate/endDate per spec.md §6's route table; the response
// also reports period-over-period deltas, as that table requires.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	q := r.URL.Query()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if raw := q.Get("startDate"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			start = parsed
		} else {
			badRequest(w, "startDate must be an RFC3339 timestamp")
			return
		}
	}
	if raw := q.Get("endDate"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			end = parsed
		} else {
			badRequest(w, "endDate must be an RFC3339 timestamp")
			return
		}
	}
	if !end.After(start) {
		badRequest(w, "endDate must be after startDate")
		return
	}

	period, err := s.engine.Sessions.Analytics(r.Context(), m.ID, start, end)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	top := make([]sessionResponse, 0, len(period.TopPayments))
	for _, sess := range period.TopPayments {
		top = append(top, s.sessionView(sess, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"startDate":               start.Format(time.RFC3339),
		"endDate":                 end.Format(time.RFC3339),
		"countsByStatus":          period.CountsByStatus,
		"confirmedVolume":         period.ConfirmedVolume,
		"confirmedCount":          period.ConfirmedCount,
		"confirmedVolumeDeltaPct": period.ConfirmedVolumeDeltaPct,
		"confirmedCountDeltaPct":  period.ConfirmedCountDeltaPct,
		"dailyTotals":             period.DailyTotals,
		"topPayments":             top,
	})
}

type webhookLogResponse struct {
	ID               int64  `json:"id"`
	SessionID        string `json:"sessionId"`
	Event            string `json:"event"`
	DeliveryID       string `json:"deliveryId"`
	Attempts         int    `json:"attempts"`
	LastResponseCode *int   `json:"lastResponseCode,omitempty"`
	LastResponseBody string `json:"lastResponseBody,omitempty"`
	NextRetryAt      string `json:"nextRetryAt,omitempty"`
	CreatedAt        string `json:"createdAt"`
	DeliveredAt      string `json:"deliveredAt,omitempty"`
	Delivered        bool   `json:"delivered"`
}

func webhookLogView(w store.WebhookAttempt) webhookLogResponse {
	out := webhookLogResponse{
		ID: w.ID, SessionID: w.SessionID, Event: w.Event, DeliveryID: w.DeliveryID,
		Attempts: w.Attempts, LastResponseCode: w.LastResponseCode, LastResponseBody: w.LastResponseBody,
		CreatedAt: w.CreatedAt.Format(time.RFC3339), Delivered: w.Delivered(),
	}
	if w.NextRetryAt != nil {
		out.NextRetryAt = w.NextRetryAt.Format(time.RFC3339)
	}
	if w.DeliveredAt != nil {
		out.DeliveredAt = w.DeliveredAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleListWebhookLogs(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 20)
	offset := atoiDefault(q.Get("offset"), 0)

	logs, total, err := s.engine.Store.ListWebhookLogs(r.Context(), m.ID, q.Get("event"), limit, offset)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	views := make([]webhookLogResponse, 0, len(logs))
	for _, l := range logs {
		views = append(views, webhookLogView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":   views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleRetryWebhook(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	idParam := chi.URLParam(r, "id")
	logID, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		badRequest(w, "id must be numeric")
		return
	}

	if err := s.engine.Webhooks.RetryNow(r.Context(), logID, m.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			notFound(w, "webhook log not found")
		case errors.Is(err, webhook.ErrAlreadyDelivered):
			conflict(w, "webhook already delivered")
		default:
			internalError(w, s.devMode, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
