package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertWebhookAttempt writes a freshly-created delivery attempt row
// (attempts = 0, delivered_at = NULL, next_retry_at = now so the retry
// worker picks it up on its next tick).
func (s *Store) InsertWebhookAttempt(ctx context.Context, w WebhookAttempt) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO webhook_logs (session_id, merchant_id, event, payload, delivery_id,
			attempts, next_retry_at, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, NULL)`,
		w.SessionID, w.MerchantID, w.Event, w.Payload, w.DeliveryID,
		formatTime(w.CreatedAt), formatTime(w.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert webhook attempt: %w", err)
	}
	return res.LastInsertId()
}

// RecordDeliverySuccess marks a webhook log row delivered and clears retry
// scheduling. attempts is set to the attempt number that succeeded.
func (s *Store) RecordDeliverySuccess(ctx context.Context, id int64, attempts int, responseCode int, now time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE webhook_logs SET attempts = ?, last_response_code = ?, next_retry_at = NULL, delivered_at = ?
		WHERE id = ? AND delivered_at IS NULL`,
		attempts, responseCode, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure increments the attempt count and schedules (or, at
// the attempt cap, clears) the next retry. responseCode is nil for
// transport errors that never reached the merchant.
func (s *Store) RecordDeliveryFailure(ctx context.Context, id int64, attempts int, responseCode *int, responseBody string, nextRetry *time.Time, now time.Time) error {
	var nextRetryArg any
	if nextRetry != nil {
		nextRetryArg = formatTime(*nextRetry)
	}
	var codeArg any
	if responseCode != nil {
		codeArg = *responseCode
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE webhook_logs SET attempts = ?, last_response_code = ?, last_response_body = ?, next_retry_at = ?
		WHERE id = ? AND delivered_at IS NULL`,
		attempts, codeArg, truncate(responseBody, 2048), nextRetryArg, id)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// DueRetries selects attempts eligible for the retry worker's next pass:
// next_retry_at <= now, not yet delivered, under the attempt cap.
func (s *Store) DueRetries(ctx context.Context, now time.Time, maxAttempts int) ([]WebhookAttempt, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, webhookSelect+`
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= ? AND delivered_at IS NULL AND attempts < ?`,
		formatTime(now), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("select due retries: %w", err)
	}
	defer rows.Close()
	return scanWebhookAttempts(rows)
}

// GetWebhookAttempt looks an attempt row up by id, scoped to a merchant for
// the ownership check manual retry requires.
func (s *Store) GetWebhookAttempt(ctx context.Context, id int64, merchantID string) (WebhookAttempt, error) {
	row := s.conn(ctx).QueryRowContext(ctx, webhookSelect+` WHERE id = ? AND merchant_id = ?`, id, merchantID)
	return scanWebhookAttempt(row)
}

// RequeueManual re-queues a specific delivery row for immediate retry,
// decrementing attempts by one per the manual-retry contract, subject to an
// ownership check already performed by the caller via GetWebhookAttempt.
func (s *Store) RequeueManual(ctx context.Context, id int64, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE webhook_logs SET next_retry_at = ?, attempts = MAX(attempts - 1, 0)
		WHERE id = ? AND delivered_at IS NULL`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("requeue manual retry: %w", err)
	}
	return requireRowsAffected(res)
}

// ListWebhookLogs returns a merchant's delivery attempts newest-first.
func (s *Store) ListWebhookLogs(ctx context.Context, merchantID, event string, limit, offset int) ([]WebhookAttempt, int, error) {
	where := `WHERE merchant_id = ?`
	args := []any{merchantID}
	if event != "" {
		where += ` AND event = ?`
		args = append(args, event)
	}
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook logs: %w", err)
	}
	if limit <= 0 {
		limit = 20
	}
	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.conn(ctx).QueryContext(ctx,
		webhookSelect+" "+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()
	attempts, err := scanWebhookAttempts(rows)
	return attempts, total, err
}

const webhookSelect = `SELECT id, session_id, merchant_id, event, payload, delivery_id, attempts,
	last_response_code, COALESCE(last_response_body, ''), next_retry_at, created_at, delivered_at
	FROM webhook_logs`

func scanWebhookAttempts(rows *sql.Rows) ([]WebhookAttempt, error) {
	var out []WebhookAttempt
	for rows.Next() {
		w, err := scanWebhookAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhookAttempt(row rowScanner) (WebhookAttempt, error) {
	var w WebhookAttempt
	var createdAt string
	var nextRetryAt, deliveredAt sql.NullString
	var responseCode sql.NullInt64
	if err := row.Scan(&w.ID, &w.SessionID, &w.MerchantID, &w.Event, &w.Payload, &w.DeliveryID, &w.Attempts,
		&responseCode, &w.LastResponseBody, &nextRetryAt, &createdAt, &deliveredAt); err != nil {
		if err == sql.ErrNoRows {
			return WebhookAttempt{}, ErrNotFound
		}
		return WebhookAttempt{}, fmt.Errorf("scan webhook attempt: %w", err)
	}
	w.CreatedAt = parseTime(createdAt)
	if responseCode.Valid {
		v := int(responseCode.Int64)
		w.LastResponseCode = &v
	}
	if nextRetryAt.Valid {
		t := parseTime(nextRetryAt.String)
		w.NextRetryAt = &t
	}
	if deliveredAt.Valid {
		t := parseTime(deliveredAt.String)
		w.DeliveredAt = &t
	}
	return w, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
