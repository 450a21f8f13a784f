package store

import "time"

// SessionStatus is one of the terminal or non-terminal states a payment
// session can occupy. See the state machine in internal/session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusConfirming SessionStatus = "confirming"
	StatusConfirmed  SessionStatus = "confirmed"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the status never transitions again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusFailed:
		return true
	default:
		return false
	}
}

// Merchant is the durable record of a registered merchant.
type Merchant struct {
	ID               string
	Name             string
	Email            string
	XPub             string
	NextAddressIndex uint64
	APIKeyPlaintext  string
	APIKeyDigest     string
	WebhookURL       string
	WebhookSecret    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is the durable record of a single payment intent.
type Session struct {
	ID                 string
	MerchantID         string
	Address            string
	AddressIndex       uint64
	AmountSompi        string
	Status             SessionStatus
	SubscriptionToken  string
	TxID               string
	InitialBlueScore   *uint64
	Confirmations      uint64
	OrderID            string
	Metadata           map[string]string
	RedirectURL        string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	PaidAt             *time.Time
	ConfirmedAt        *time.Time
}

// WebhookAttempt is one row in the outbound webhook delivery log.
type WebhookAttempt struct {
	ID                int64
	SessionID         string
	MerchantID        string
	Event             string
	Payload           []byte
	DeliveryID        string
	Attempts          int
	LastResponseCode  *int
	LastResponseBody  string
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	DeliveredAt       *time.Time
}

// Delivered reports whether the attempt row reached a 2xx response.
func (w WebhookAttempt) Delivered() bool {
	return w.DeliveredAt != nil
}
