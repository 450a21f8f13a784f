package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// ErrInvalidTransition is returned when a caller attempts to move a session
// across an edge that is not present in the state machine's DAG.
var ErrInvalidTransition = errors.New("store: invalid session transition")

// InsertSession writes a newly-created session row in status pending.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	metadataJSON, err := encodeMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO sessions (id, merchant_id, address, address_index, amount_sompi,
			status, subscription_token, tx_id, initial_blue_score, confirmations,
			order_id, metadata, redirect_url, created_at, expires_at, paid_at, confirmed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?, ?, ?, ?, ?, NULL, NULL)`,
		sess.ID, sess.MerchantID, sess.Address, sess.AddressIndex, sess.AmountSompi,
		StatusPending, sess.SubscriptionToken,
		nullableString(sess.OrderID), metadataJSON, nullableString(sess.RedirectURL),
		formatTime(sess.CreatedAt), formatTime(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession looks a session up by primary key.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.conn(ctx).QueryRowContext(ctx, sessionSelect+" WHERE id = ?", id)
	return scanSession(row)
}

// GetSessionByAddress looks up the non-terminal session monitoring address,
// relying on idx_sessions_address's partial-uniqueness guarantee that at
// most one such row exists. Used by the Ledger Watcher's detection callback,
// which only knows the address a qualifying payment arrived at.
func (s *Store) GetSessionByAddress(ctx context.Context, address string) (Session, error) {
	row := s.conn(ctx).QueryRowContext(ctx, sessionSelect+
		` WHERE address = ? AND status NOT IN (?, ?, ?) ORDER BY created_at DESC LIMIT 1`,
		address, StatusConfirmed, StatusExpired, StatusFailed)
	return scanSession(row)
}

// MarkPaymentReceivedResult reports the outcome of the atomic expiry check
// described in the session manager's markPaymentReceived operation.
type MarkPaymentReceivedResult string

const (
	PaymentAccepted MarkPaymentReceivedResult = "accepted"
	PaymentRejected MarkPaymentReceivedResult = "rejected"
)

// MarkPaymentReceived implements the correctness-critical atomic expiry
// check: it reads the session's current status and expiry under the
// transaction's row lock, and either transitions pending -> confirming (and
// records txId, paid_at, initialBlueScore) or — if the session is no longer
// pending, or expires_at has already passed — expires it (if it was still
// pending) and reports rejection. Callers must invoke this inside WithTx.
func (s *Store) MarkPaymentReceived(ctx context.Context, id, txID string, initialBlueScore uint64, now time.Time) (MarkPaymentReceivedResult, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT status, expires_at FROM sessions WHERE id = ?`, id)
	var status string
	var expiresAtRaw string
	if err := row.Scan(&status, &expiresAtRaw); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read session for payment: %w", err)
	}
	expiresAt := parseTime(expiresAtRaw)

	if SessionStatus(status) != StatusPending || !now.Before(expiresAt) {
		if SessionStatus(status) == StatusPending {
			if _, err := s.conn(ctx).ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, StatusExpired, id); err != nil {
				return "", fmt.Errorf("expire on rejected payment: %w", err)
			}
		}
		return PaymentRejected, nil
	}

	blueScoreStr := strconv.FormatUint(initialBlueScore, 10)
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ?, tx_id = ?, initial_blue_score = ?, paid_at = ? WHERE id = ?`,
		StatusConfirming, txID, blueScoreStr, formatTime(now), id)
	if err != nil {
		return "", fmt.Errorf("mark payment received: %w", err)
	}
	return PaymentAccepted, nil
}

// MarkConfirmed transitions a confirming session to confirmed. It is a
// no-op error if the session is not currently confirming.
func (s *Store) MarkConfirmed(ctx context.Context, id string, confirmations uint64, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ?, confirmations = ?, confirmed_at = ?
		WHERE id = ? AND status = ?`,
		StatusConfirmed, confirmations, formatTime(now), id, StatusConfirming)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return requireTransitionRowsAffected(res)
}

// MarkFailed transitions a confirming session to failed.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		StatusFailed, id, StatusConfirming)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireTransitionRowsAffected(res)
}

// MarkExpiredExplicit expires a single pending session (explicit cancel),
// as opposed to the sweep's bulk expiry.
func (s *Store) MarkExpiredExplicit(ctx context.Context, id string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		StatusExpired, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	return requireTransitionRowsAffected(res)
}

// UpdateConfirmations clamps the stored confirmation count to at least its
// current value — a lower requested count is ignored (monotonic). It never
// changes status. Returns the resulting stored value.
func (s *Store) UpdateConfirmations(ctx context.Context, id string, confirmations uint64) (uint64, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT confirmations, status FROM sessions WHERE id = ?`, id)
	var current uint64
	var status string
	if err := row.Scan(&current, &status); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read confirmations: %w", err)
	}
	if SessionStatus(status).Terminal() || confirmations <= current {
		return current, nil
	}
	if _, err := s.conn(ctx).ExecContext(ctx, `UPDATE sessions SET confirmations = ? WHERE id = ?`, confirmations, id); err != nil {
		return 0, fmt.Errorf("update confirmations: %w", err)
	}
	return confirmations, nil
}

// ExpireOldSessions runs the background sweep: every pending session whose
// expires_at has passed is marked expired. Returns the ids that were
// newly expired, for the caller to emit payment.expired notifications from.
// Idempotent: a second call in a row finds zero rows.
func (s *Store) ExpireOldSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? AND expires_at < ?`, StatusPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("select expiring sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expiring session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE status = ? AND expires_at < ?`,
		StatusExpired, StatusPending, formatTime(now)); err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	return ids, nil
}

// ConfirmingSessions returns every session currently in status confirming,
// used by the confirmation tracker to rehydrate after a restart.
func (s *Store) ConfirmingSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sessionSelect+" WHERE status = ?", StatusConfirming)
	if err != nil {
		return nil, fmt.Errorf("select confirming sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PendingSessions returns every session currently pending, used by the
// ledger watcher to rehydrate monitored addresses after a restart.
func (s *Store) PendingSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, sessionSelect+" WHERE status = ?", StatusPending)
	if err != nil {
		return nil, fmt.Errorf("select pending sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsOptions filters and paginates ListSessionsByMerchant.
type ListSessionsOptions struct {
	Status string
	Limit  int
	Offset int
}

// ListSessionsByMerchant returns a merchant's sessions newest-first, plus
// the total count ignoring pagination.
func (s *Store) ListSessionsByMerchant(ctx context.Context, merchantID string, opts ListSessionsOptions) ([]Session, int, error) {
	where := `WHERE merchant_id = ?`
	args := []any{merchantID}
	if opts.Status != "" {
		where += ` AND status = ?`
		args = append(args, opts.Status)
	}

	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	queryArgs := append(append([]any{}, args...), limit, opts.Offset)
	rows, err := s.conn(ctx).QueryContext(ctx,
		sessionSelect+" "+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sess)
	}
	return out, total, rows.Err()
}

// MerchantStats is the status-distribution + confirmed-volume summary for
// GET /merchants/me/stats.
type MerchantStats struct {
	CountsByStatus  map[string]int64
	ConfirmedVolume string
}

// Stats computes the status counts and confirmed volume for a merchant.
func (s *Store) Stats(ctx context.Context, merchantID string) (MerchantStats, error) {
	out := MerchantStats{CountsByStatus: map[string]int64{}}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions WHERE merchant_id = ? GROUP BY status`, merchantID)
	if err != nil {
		return out, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return out, err
		}
		out.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return out, err
	}
	rows.Close()

	var confirmedVolumes []string
	volRows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT amount_sompi FROM sessions WHERE merchant_id = ? AND status = ?`, merchantID, StatusConfirmed)
	if err != nil {
		return out, fmt.Errorf("stats confirmed volume: %w", err)
	}
	defer volRows.Close()
	for volRows.Next() {
		var amt string
		if err := volRows.Scan(&amt); err != nil {
			return out, err
		}
		confirmedVolumes = append(confirmedVolumes, amt)
	}
	out.ConfirmedVolume = sumDecimalStrings(confirmedVolumes)
	return out, volRows.Err()
}

// AnalyticsPeriod is one bucketed window of analytics output.
type AnalyticsPeriod struct {
	CountsByStatus  map[string]int64
	ConfirmedVolume string
	ConfirmedCount  int64
	DailyTotals     map[string]string
	TopPayments     []Session

	// ConfirmedVolumeDeltaPct and ConfirmedCountDeltaPct compare this period
	// against the immediately preceding period of equal length. Both are nil
	// when the preceding period had zero confirmed volume/count, since a
	// percentage change against zero is undefined rather than infinite.
	ConfirmedVolumeDeltaPct *float64
	ConfirmedCountDeltaPct  *float64
}

// Analytics computes the period summary, daily breakdown, and
// period-over-period deltas for the analytics endpoint over [start, end).
// The preceding period compared against is [start-(end-start), start).
func (s *Store) Analytics(ctx context.Context, merchantID string, start, end time.Time) (AnalyticsPeriod, error) {
	out := AnalyticsPeriod{CountsByStatus: map[string]int64{}, DailyTotals: map[string]string{}}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions
		WHERE merchant_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY status`, merchantID, formatTime(start), formatTime(end))
	if err != nil {
		return out, fmt.Errorf("analytics status counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return out, err
		}
		out.CountsByStatus[status] = count
	}
	rows.Close()

	confirmedRows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, merchant_id, address, address_index, amount_sompi, status,
			subscription_token, COALESCE(tx_id,''), initial_blue_score, confirmations,
			COALESCE(order_id,''), COALESCE(metadata,''), COALESCE(redirect_url,''),
			created_at, expires_at, paid_at, confirmed_at
		FROM sessions WHERE merchant_id = ? AND status = ? AND created_at >= ? AND created_at < ?
		ORDER BY CAST(amount_sompi AS INTEGER) DESC`,
		merchantID, StatusConfirmed, formatTime(start), formatTime(end))
	if err != nil {
		return out, fmt.Errorf("analytics confirmed sessions: %w", err)
	}
	defer confirmedRows.Close()

	var amounts []string
	dailyAmounts := map[string][]string{}
	for confirmedRows.Next() {
		sess, err := scanSession(confirmedRows)
		if err != nil {
			return out, err
		}
		amounts = append(amounts, sess.AmountSompi)
		day := sess.CreatedAt.Format("2006-01-02")
		dailyAmounts[day] = append(dailyAmounts[day], sess.AmountSompi)
		out.TopPayments = append(out.TopPayments, sess)
	}
	out.ConfirmedCount = int64(len(amounts))
	out.ConfirmedVolume = sumDecimalStrings(amounts)
	for day, amts := range dailyAmounts {
		out.DailyTotals[day] = sumDecimalStrings(amts)
	}
	if len(out.TopPayments) > 10 {
		out.TopPayments = out.TopPayments[:10]
	}
	if err := confirmedRows.Err(); err != nil {
		return out, err
	}

	prevStart := start.Add(-end.Sub(start))
	prevCount, prevVolume, err := s.confirmedTotals(ctx, merchantID, prevStart, start)
	if err != nil {
		return out, fmt.Errorf("analytics previous period totals: %w", err)
	}
	out.ConfirmedVolumeDeltaPct = percentDelta(prevVolume, out.ConfirmedVolume)
	out.ConfirmedCountDeltaPct = percentDelta(strconv.FormatInt(prevCount, 10), strconv.FormatInt(out.ConfirmedCount, 10))
	return out, nil
}

// confirmedTotals returns the confirmed-session count and summed sompi
// volume over [start, end), without the per-session detail Analytics' main
// query carries — used for the preceding-period comparison, where only the
// totals are needed.
func (s *Store) confirmedTotals(ctx context.Context, merchantID string, start, end time.Time) (int64, string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT amount_sompi FROM sessions
		WHERE merchant_id = ? AND status = ? AND created_at >= ? AND created_at < ?`,
		merchantID, StatusConfirmed, formatTime(start), formatTime(end))
	if err != nil {
		return 0, "0", err
	}
	defer rows.Close()

	var amounts []string
	for rows.Next() {
		var amt string
		if err := rows.Scan(&amt); err != nil {
			return 0, "0", err
		}
		amounts = append(amounts, amt)
	}
	return int64(len(amounts)), sumDecimalStrings(amounts), rows.Err()
}

// percentDelta returns 100*(cur-prev)/prev as a percentage, or nil if prev is
// zero (a percentage change against zero is undefined, not infinite).
func percentDelta(prev, cur string) *float64 {
	prevN, ok := new(big.Int).SetString(prev, 10)
	if !ok || prevN.Sign() == 0 {
		return nil
	}
	curN, ok := new(big.Int).SetString(cur, 10)
	if !ok {
		return nil
	}
	diff := new(big.Int).Sub(curN, prevN)
	ratio := new(big.Rat).SetFrac(diff, prevN)
	ratio.Mul(ratio, big.NewRat(100, 1))
	pct, _ := ratio.Float64()
	return &pct
}

const sessionSelect = `SELECT id, merchant_id, address, address_index, amount_sompi, status,
	subscription_token, COALESCE(tx_id,''), initial_blue_score, confirmations,
	COALESCE(order_id,''), COALESCE(metadata,''), COALESCE(redirect_url,''),
	created_at, expires_at, paid_at, confirmed_at FROM sessions`

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status, createdAt, expiresAt string
	var initialBlueScore sql.NullString
	var paidAt, confirmedAt sql.NullString
	var metadataJSON string
	if err := row.Scan(&sess.ID, &sess.MerchantID, &sess.Address, &sess.AddressIndex, &sess.AmountSompi,
		&status, &sess.SubscriptionToken, &sess.TxID, &initialBlueScore, &sess.Confirmations,
		&sess.OrderID, &metadataJSON, &sess.RedirectURL,
		&createdAt, &expiresAt, &paidAt, &confirmedAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.ExpiresAt = parseTime(expiresAt)
	if paidAt.Valid {
		t := parseTime(paidAt.String)
		sess.PaidAt = &t
	}
	if confirmedAt.Valid {
		t := parseTime(confirmedAt.String)
		sess.ConfirmedAt = &t
	}
	if initialBlueScore.Valid {
		v, err := strconv.ParseUint(initialBlueScore.String, 10, 64)
		if err == nil {
			sess.InitialBlueScore = &v
		}
	}
	if metadataJSON != "" {
		meta := map[string]string{}
		if err := json.Unmarshal([]byte(metadataJSON), &meta); err == nil {
			sess.Metadata = meta
		}
	}
	return sess, nil
}

func encodeMetadata(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func requireTransitionRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// sumDecimalStrings adds a list of unsigned decimal strings (sompi amounts)
// without floating point, returning the sum as a decimal string. Empty
// input sums to "0".
func sumDecimalStrings(values []string) string {
	sum := new(big.Int)
	for _, v := range values {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			continue
		}
		sum.Add(sum, n)
	}
	return sum.String()
}
