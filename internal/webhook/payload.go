package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"kasgate/internal/store"
)

// outboundPayload is the exact JSON shape signed and sent to merchants. Field
// order does not matter for the signature (the signature covers the raw
// marshaled bytes, frozen at build time and never re-marshaled), but the
// shape itself is part of the wire contract.
type outboundPayload struct {
	Event         string            `json:"event"`
	SessionID     string            `json:"sessionId"`
	MerchantID    string            `json:"merchantId"`
	Amount        string            `json:"amount"`
	Address       string            `json:"address"`
	TxID          string            `json:"txId,omitempty"`
	Confirmations *uint64           `json:"confirmations,omitempty"`
	OrderID       string            `json:"orderId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     string            `json:"timestamp"`
	DeliveryID    string            `json:"deliveryId"`
}

func buildPayload(eventName string, sess store.Session, deliveryID string, now time.Time, confirmations *uint64) ([]byte, error) {
	p := outboundPayload{
		Event:         eventName,
		SessionID:     sess.ID,
		MerchantID:    sess.MerchantID,
		Amount:        sess.AmountSompi,
		Address:       sess.Address,
		TxID:          sess.TxID,
		Confirmations: confirmations,
		OrderID:       sess.OrderID,
		Metadata:      sess.Metadata,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		DeliveryID:    deliveryID,
	}
	return json.Marshal(p)
}

// signPayload computes the hex HMAC-SHA256 signature merchants verify against
// the raw, already-frozen body bytes.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
