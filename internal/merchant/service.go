// Package merchant implements the Merchant and Key Service (spec §4.2):
// merchant registration, API-key digest lookup, and key/secret rotation.
package merchant

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kasgate/internal/logging"
	"kasgate/internal/store"
)

// ErrDuplicateEmail is returned by Create when the requested email is
// already in use by another merchant.
var ErrDuplicateEmail = errors.New("merchant: email already registered")

// Service implements merchant registration and API-key/webhook-secret
// lifecycle management.
type Service struct {
	store  *store.Store
	nowFn  func() time.Time
	logger *slog.Logger
}

// New constructs a merchant Service over store. Every log line this Service
// emits about a merchant routes its attributes through logging.MaskField, so
// a key or secret value never reaches the log stream even if a future call
// site passes one in.
func New(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, nowFn: time.Now, logger: logger}
}

// Create mints an API key and webhook secret for a new merchant, stores
// both the plaintext and digest, and returns the merchant with the
// plaintext key populated — the only time callers ever see it.
func (s *Service) Create(ctx context.Context, name, email, xpub, webhookURL string) (store.Merchant, error) {
	now := s.nowFn().UTC()
	apiKey, err := generateAPIKey()
	if err != nil {
		return store.Merchant{}, fmt.Errorf("merchant: generate api key: %w", err)
	}
	webhookSecret, err := generateWebhookSecret()
	if err != nil {
		return store.Merchant{}, fmt.Errorf("merchant: generate webhook secret: %w", err)
	}

	m := store.Merchant{
		ID:              uuid.NewString(),
		Name:            name,
		Email:           email,
		XPub:            xpub,
		APIKeyPlaintext: apiKey,
		APIKeyDigest:    digestKey(apiKey),
		WebhookURL:      webhookURL,
		WebhookSecret:   webhookSecret,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertMerchant(ctx, m); err != nil {
		return store.Merchant{}, mapConflict(err)
	}
	s.logger.Info("merchant: created",
		logging.MaskField("merchant_id", m.ID),
		logging.MaskField("api_key", m.APIKeyPlaintext),
		logging.MaskField("webhook_secret", m.WebhookSecret))
	return m, nil
}

// LookupByAPIKey recomputes the digest of key and looks the merchant up by
// digest. It returns store.ErrNotFound for both an unknown key and (by
// construction, since disabled merchants are simply absent) a disabled
// merchant — the two cases are indistinguishable by design.
func (s *Service) LookupByAPIKey(ctx context.Context, key string) (store.Merchant, error) {
	digest := digestKey(key)
	m, err := s.store.GetMerchantByAPIKeyDigest(ctx, digest)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Merchant{}, err
	}
	return store.Merchant{}, store.ErrNotFound
}

// BackfillDigestIfMissing writes the digest column for a legacy merchant row
// that only ever stored the plaintext key. Nothing calls it: LookupByAPIKey
// finds merchants by digest only, so a row with an empty digest is neither
// found by a lookup nor backfilled by one.
func (s *Service) BackfillDigestIfMissing(ctx context.Context, m store.Merchant) error {
	if m.APIKeyDigest != "" || m.APIKeyPlaintext == "" {
		return nil
	}
	return s.store.BackfillAPIKeyDigest(ctx, m.ID, digestKey(m.APIKeyPlaintext))
}

// RegenerateAPIKey atomically replaces a merchant's API key. The previous
// key stops working immediately.
func (s *Service) RegenerateAPIKey(ctx context.Context, merchantID string) (string, error) {
	apiKey, err := generateAPIKey()
	if err != nil {
		return "", fmt.Errorf("merchant: generate api key: %w", err)
	}
	if err := s.store.RotateAPIKey(ctx, merchantID, apiKey, digestKey(apiKey), s.nowFn().UTC()); err != nil {
		return "", err
	}
	s.logger.Info("merchant: api key regenerated",
		logging.MaskField("merchant_id", merchantID),
		logging.MaskField("api_key", apiKey))
	return apiKey, nil
}

// RegenerateWebhookSecret atomically replaces a merchant's webhook secret.
func (s *Service) RegenerateWebhookSecret(ctx context.Context, merchantID string) (string, error) {
	secret, err := generateWebhookSecret()
	if err != nil {
		return "", fmt.Errorf("merchant: generate webhook secret: %w", err)
	}
	if err := s.store.RotateWebhookSecret(ctx, merchantID, secret, s.nowFn().UTC()); err != nil {
		return "", err
	}
	s.logger.Info("merchant: webhook secret regenerated",
		logging.MaskField("merchant_id", merchantID),
		logging.MaskField("webhook_secret", secret))
	return secret, nil
}

// UpdateProfile patches the mutable merchant fields.
func (s *Service) UpdateProfile(ctx context.Context, merchantID string, name, email, webhookURL *string) error {
	return s.store.UpdateMerchantProfile(ctx, merchantID, name, email, webhookURL, s.nowFn().UTC())
}

// VerifyWebhookSignature performs a constant-time comparison of
// headerSignature against HMAC-SHA256(rawBody, secret), exposed primarily
// for tests; merchants reimplement the equivalent check on their side.
func VerifyWebhookSignature(rawBody []byte, headerSignature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(headerSignature)) == 1
}

func digestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey() (string, error) {
	raw, err := randomBytes(24)
	if err != nil {
		return "", err
	}
	return "kg_live_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

func generateWebhookSecret() (string, error) {
	raw, err := randomBytes(24)
	if err != nil {
		return "", err
	}
	return "whsec_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func mapConflict(err error) error {
	// modernc.org/sqlite surfaces unique constraint violations with this
	// substring; a dedicated sqlite error-code import is unnecessary for a
	// single string check.
	if err != nil && containsUniqueViolation(err.Error()) {
		return ErrDuplicateEmail
	}
	return err
}

func containsUniqueViolation(msg string) bool {
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "merchants.email")
}
