package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kasgate/internal/session"
	"kasgate/internal/store"
)

type createSessionRequest struct {
	Amount      string            `json:"amount"`
	OrderID     string            `json:"orderId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
}

type sessionResponse struct {
	ID                string            `json:"id"`
	MerchantID        string            `json:"merchantId"`
	Address           string            `json:"address"`
	Amount            string            `json:"amount"`
	Status            store.SessionStatus `json:"status"`
	Confirmations     uint64            `json:"confirmations"`
	TxID              string            `json:"txId,omitempty"`
	OrderID           string            `json:"orderId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RedirectURL       string            `json:"redirectUrl,omitempty"`
	CreatedAt         string            `json:"createdAt"`
	ExpiresAt         string            `json:"expiresAt"`
	SubscriptionToken string            `json:"subscriptionToken,omitempty"`
	QRCode            string            `json:"qrCode,omitempty"`
	ExplorerURL       string            `json:"explorerUrl,omitempty"`
}

func (s *Server) sessionView(sess store.Session, includePrivate bool) sessionResponse {
	out := sessionResponse{
		ID: sess.ID, MerchantID: sess.MerchantID, Address: sess.Address,
		Amount: sess.AmountSompi, Status: sess.Status, Confirmations: sess.Confirmations,
		TxID: sess.TxID, OrderID: sess.OrderID, Metadata: sess.Metadata,
		RedirectURL: sess.RedirectURL,
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   sess.ExpiresAt.Format(time.RFC3339),
	}
	if s.cfg.Profile.ExplorerBaseURL != "" {
		out.ExplorerURL = s.cfg.Profile.ExplorerBaseURL + "/" + sess.Address
	}
	if includePrivate {
		out.SubscriptionToken = sess.SubscriptionToken
		// QR code rendering is an external collaborator's job (spec §1's
		// non-goals) — a widget-friendly payment URI stands in for the asset.
		out.QRCode = "kaspa:" + sess.Address + "?amount=" + sess.AmountSompi
	}
	return out
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	sompi, err := validateAmount(req.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	orderID, err := validateOrderID(req.OrderID)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	metadata, err := validateMetadata(req.Metadata)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	sess, err := s.engine.CreateSession(r.Context(), m, session.CreateParams{
		MerchantID:  m.ID,
		AmountSompi: sompi,
		OrderID:     orderID,
		Metadata:    metadata,
		RedirectURL: req.RedirectURL,
	})
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionView(sess, true))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.engine.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, "session not found")
			return
		}
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess, false))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.engine.Sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, "session not found")
			return
		}
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            sess.ID,
		"status":        sess.Status,
		"confirmations": sess.Confirmations,
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	id := chi.URLParam(r, "id")
	sess, err := s.engine.Sessions.Cancel(r.Context(), id, m.ID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			notFound(w, "session not found")
		case errors.Is(err, session.ErrUnauthorized):
			forbidden(w)
		case errors.Is(err, store.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid_transition", "session cannot be cancelled in its current state")
		default:
			internalError(w, s.devMode, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(sess, false))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	q := r.URL.Query()
	opts := store.ListSessionsOptions{
		Status: q.Get("status"),
		Limit:  atoiDefault(q.Get("limit"), 20),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	sessions, total, err := s.engine.Sessions.ListByMerchant(r.Context(), m.ID, opts)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	views := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.sessionView(sess, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"total":    total,
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

func atoiDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
