// Package payments owns topups and the payment-provider mirror records, and
// reconciles provider webhooks into ledger grants exactly once.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TopupStatus is the purchase-intent state machine: created is the only
// non-terminal state; paid, failed and expired are terminal. failed comes
// from a canceled-payment webhook, expired from the stale-topup sweep when
// no webhook ever arrives.
type TopupStatus string

const (
	TopupCreated TopupStatus = "created"
	TopupPaid    TopupStatus = "paid"
	TopupFailed  TopupStatus = "failed"
	TopupExpired TopupStatus = "expired"
)

// ErrAuthenticationFailed rejects a webhook whose signature does not verify.
// Permanent: the caller must not retry the same payload.
var ErrAuthenticationFailed = errors.New("webhook authentication failed")

// ErrUnknownPackage is returned for topup amounts outside the offered bundles.
var ErrUnknownPackage = errors.New("unsupported topup amount")

// Topup is one purchase intent. It transitions to paid exactly once.
type Topup struct {
	ID        uuid.UUID   `json:"id"`
	UserID    int64       `json:"user_id"`
	RubAmount int         `json:"rub_amount"`
	Credits   int         `json:"credits"`
	Status    TopupStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	PaidAt    *time.Time  `json:"paid_at,omitempty"`
}

// PaymentRecord mirrors one provider transaction. The payment_id uniqueness
// plus the nil check on ProcessedAt is the sole idempotency guard against
// duplicate webhook delivery.
type PaymentRecord struct {
	ID          int64      `json:"id"`
	PaymentID   string     `json:"payment_id"`
	TopupID     uuid.UUID  `json:"topup_id"`
	UserID      int64      `json:"user_id"`
	Amount      int        `json:"amount"`
	Status      string     `json:"status"`
	RawPayload  []byte     `json:"-"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreatePaymentRequest is what the provider boundary needs to open a checkout.
type CreatePaymentRequest struct {
	RubAmount   int
	Description string
	TopupID     uuid.UUID
	UserID      int64
	ReturnURL   string
}

// ProviderPayment is the provider's view of a freshly created payment.
type ProviderPayment struct {
	ID              string
	Status          string
	ConfirmationURL string
}

// Provider creates payments at the external payment provider. Called outside
// any storage transaction.
type Provider interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*ProviderPayment, error)
}
