package merchant

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kasgate/internal/store"
)

func computeTestSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kasgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

const testXPub = "xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz"

func TestCreateMintsDistinctAPIKeyAndWebhookSecret(t *testing.T) {
	svc := New(newTestStore(t), nil)
	m, err := svc.Create(context.Background(), "Acme", "acme@example.com", testXPub, "https://acme.example/hook")
	require.NoError(t, err)
	require.NotEmpty(t, m.APIKeyPlaintext)
	require.NotEmpty(t, m.WebhookSecret)
	require.NotEqual(t, m.APIKeyPlaintext, m.WebhookSecret)
	require.NotEmpty(t, m.APIKeyDigest)
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	svc := New(newTestStore(t), nil)
	ctx := context.Background()
	_, err := svc.Create(ctx, "Acme", "dup@example.com", testXPub, "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "Acme Two", "dup@example.com", testXPub, "")
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestLookupByAPIKeyRoundTrips(t *testing.T) {
	svc := New(newTestStore(t), nil)
	ctx := context.Background()
	m, err := svc.Create(ctx, "Acme", "", testXPub, "")
	require.NoError(t, err)

	found, err := svc.LookupByAPIKey(ctx, m.APIKeyPlaintext)
	require.NoError(t, err)
	require.Equal(t, m.ID, found.ID)
}

func TestLookupByAPIKeyRejectsUnknownKey(t *testing.T) {
	svc := New(newTestStore(t), nil)
	_, err := svc.LookupByAPIKey(context.Background(), "kg_live_bogus")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegenerateAPIKeyInvalidatesThePreviousKey(t *testing.T) {
	svc := New(newTestStore(t), nil)
	ctx := context.Background()
	m, err := svc.Create(ctx, "Acme", "", testXPub, "")
	require.NoError(t, err)
	oldKey := m.APIKeyPlaintext

	newKey, err := svc.RegenerateAPIKey(ctx, m.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	_, err = svc.LookupByAPIKey(ctx, oldKey)
	require.ErrorIs(t, err, store.ErrNotFound)
	found, err := svc.LookupByAPIKey(ctx, newKey)
	require.NoError(t, err)
	require.Equal(t, m.ID, found.ID)
}

func TestRegenerateWebhookSecretReplacesStoredSecret(t *testing.T) {
	svc := New(newTestStore(t), nil)
	ctx := context.Background()
	m, err := svc.Create(ctx, "Acme", "", testXPub, "")
	require.NoError(t, err)

	newSecret, err := svc.RegenerateWebhookSecret(ctx, m.ID)
	require.NoError(t, err)
	require.NotEqual(t, m.WebhookSecret, newSecret)
}

func TestUpdateProfilePatchesOnlyProvidedFields(t *testing.T) {
	svc := New(newTestStore(t), nil)
	ctx := context.Background()
	m, err := svc.Create(ctx, "Acme", "acme@example.com", testXPub, "")
	require.NoError(t, err)

	newName := "Acme Corp"
	require.NoError(t, svc.UpdateProfile(ctx, m.ID, &newName, nil, nil))

	updated, err := svc.store.GetMerchant(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", updated.Name)
	require.Equal(t, "acme@example.com", updated.Email)
}

func TestCreateLogsRedactKeyAndSecretButNotMerchantID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := New(newTestStore(t), logger)

	m, err := svc.Create(context.Background(), "Acme", "acme@example.com", testXPub, "")
	require.NoError(t, err)

	logged := buf.String()
	require.Contains(t, logged, m.ID)
	require.NotContains(t, logged, m.APIKeyPlaintext)
	require.NotContains(t, logged, m.WebhookSecret)
	require.True(t, strings.Contains(logged, "[REDACTED]"))
}

func TestRegenerateAPIKeyLogsRedactedKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := New(newTestStore(t), logger)
	ctx := context.Background()
	m, err := svc.Create(ctx, "Acme", "", testXPub, "")
	require.NoError(t, err)
	buf.Reset()

	newKey, err := svc.RegenerateAPIKey(ctx, m.ID)
	require.NoError(t, err)

	require.NotContains(t, buf.String(), newKey)
}

func TestVerifyWebhookSignatureMatchesHMAC(t *testing.T) {
	body := []byte(`{"event":"payment.confirmed"}`)
	secret := "whsec_test"
	mac := computeTestSignature(body, secret)
	require.True(t, VerifyWebhookSignature(body, mac, secret))
	require.False(t, VerifyWebhookSignature(body, mac, "whsec_wrong"))
}
