package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"kasgate/internal/merchant"
	"kasgate/internal/store"
)

type createMerchantRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	XPub       string `json:"xpub"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

type merchantCreatedResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	APIKey        string `json:"apiKey"`
	WebhookURL    string `json:"webhookUrl,omitempty"`
	WebhookSecret string `json:"webhookSecret"`
	CreatedAt     string `json:"createdAt"`
}

func (s *Server) handleCreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req createMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if err := validateXPub(req.XPub, s.engine.Deriver); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validateWebhookURL(req.WebhookURL, s.cfg.Network); err != nil {
		badRequest(w, err.Error())
		return
	}

	m, err := s.engine.Merchants.Create(r.Context(), req.Name, req.Email, req.XPub, req.WebhookURL)
	if err != nil {
		if errors.Is(err, merchant.ErrDuplicateEmail) {
			conflict(w, "email already registered")
			return
		}
		internalError(w, s.devMode, err)
		return
	}

	writeJSON(w, http.StatusCreated, merchantCreatedResponse{
		ID: m.ID, Name: m.Name, Email: m.Email, APIKey: m.APIKeyPlaintext,
		WebhookURL: m.WebhookURL, WebhookSecret: m.WebhookSecret,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	})
}

type merchantResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Email            string `json:"email,omitempty"`
	WebhookURL       string `json:"webhookUrl,omitempty"`
	NextAddressIndex uint64 `json:"nextAddressIndex"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
}

func merchantView(m store.Merchant) merchantResponse {
	return merchantResponse{
		ID: m.ID, Name: m.Name, Email: m.Email, WebhookURL: m.WebhookURL,
		NextAddressIndex: m.NextAddressIndex,
		CreatedAt:        m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        m.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleGetMerchant(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	writeJSON(w, http.StatusOK, merchantView(m))
}

type updateMerchantRequest struct {
	Name       *string `json:"name"`
	Email      *string `json:"email"`
	WebhookURL *string `json:"webhookUrl"`
}

func (s *Server) handleUpdateMerchant(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	var req updateMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.WebhookURL != nil {
		if err := validateWebhookURL(*req.WebhookURL, s.cfg.Network); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	if err := s.engine.Merchants.UpdateProfile(r.Context(), m.ID, req.Name, req.Email, req.WebhookURL); err != nil {
		internalError(w, s.devMode, err)
		return
	}
	updated, err := s.engine.Store.GetMerchant(r.Context(), m.ID)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, merchantView(updated))
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	key, err := s.engine.Merchants.RegenerateAPIKey(r.Context(), m.ID)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}

func (s *Server) handleRegenerateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	m, _ := merchantFromContext(r.Context())
	secret, err := s.engine.Merchants.RegenerateWebhookSecret(r.Context(), m.ID)
	if err != nil {
		internalError(w, s.devMode, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"webhookSecret": secret})
}
