package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanobanana/backend/internal/config"
	"github.com/nanobanana/backend/internal/ledger"
	"github.com/nanobanana/backend/internal/notify"
)

// Store is the storage contract for topups and payment mirrors.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTopup(ctx context.Context, t *Topup) error
	CreatePaymentRecord(ctx context.Context, p *PaymentRecord) error
	PaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (*PaymentRecord, error)
	TopupForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Topup, error)
	MarkPaymentProcessed(ctx context.Context, tx pgx.Tx, paymentID, status string, raw []byte) error
	MarkTopupPaid(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkTopupFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)
}

// CreditGranter is the slice of the ledger the reconciler needs.
type CreditGranter interface {
	GrantTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*ledger.Transaction, error)
}

// ReferralActivator marks a referred user's referral activated on their
// first paid topup. Optional; nil disables referral activation.
type ReferralActivator interface {
	Activate(ctx context.Context, userID int64) (bool, error)
}

// Service maps external payment notifications to single credit grants.
type Service struct {
	store     Store
	ledger    CreditGranter
	provider  Provider
	notifier  notify.Notifier
	referrals ReferralActivator
	cfg       *config.Config
	secret    []byte
	log       *slog.Logger
}

func NewService(store Store, granter CreditGranter, provider Provider, notifier notify.Notifier, referrals ReferralActivator, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    granter,
		provider:  provider,
		notifier:  notifier,
		referrals: referrals,
		cfg:       cfg,
		secret:    []byte(cfg.WebhookSecret),
		log:       log,
	}
}

// InitiateTopup creates the purchase intent, opens a provider checkout and
// stores the mirror record. Returns the topup and the redirect URL.
func (s *Service) InitiateTopup(ctx context.Context, userID int64, rubAmount int) (*Topup, string, error) {
	if !s.cfg.ValidPackage(rubAmount) {
		return nil, "", ErrUnknownPackage
	}
	topup := &Topup{
		ID:        uuid.New(),
		UserID:    userID,
		RubAmount: rubAmount,
		Credits:   s.cfg.CreditsForRubles(rubAmount),
		Status:    TopupCreated,
	}
	if err := s.store.CreateTopup(ctx, topup); err != nil {
		return nil, "", fmt.Errorf("create topup: %w", err)
	}

	// Provider call happens outside any storage transaction.
	p, err := s.provider.CreatePayment(ctx, CreatePaymentRequest{
		RubAmount:   rubAmount,
		Description: fmt.Sprintf("Balance topup: %d credits", topup.Credits),
		TopupID:     topup.ID,
		UserID:      userID,
		ReturnURL:   s.cfg.PaymentReturnURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("provider create payment: %w", err)
	}

	rec := &PaymentRecord{
		PaymentID: p.ID,
		TopupID:   topup.ID,
		UserID:    userID,
		Amount:    rubAmount,
		Status:    "pending",
	}
	if err := s.store.CreatePaymentRecord(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("create payment record: %w", err)
	}
	s.log.Info("topup initiated",
		"user_id", userID, "topup_id", topup.ID, "payment_id", p.ID, "rub", rubAmount)
	return topup, p.ConfirmationURL, nil
}

// webhookEvent is the provider notification shape.
type webhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Metadata struct {
			TopupID string `json:"topup_id"`
		} `json:"metadata"`
	} `json:"object"`
}

// ReconcilePayment idempotently applies one provider notification. The
// signature check runs before any state is read; duplicate deliveries of a
// processed payment return success without re-applying.
func (s *Service) ReconcilePayment(ctx context.Context, raw []byte, signature string) error {
	if !VerifySignature(s.secret, raw, signature) {
		return ErrAuthenticationFailed
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("malformed webhook payload: %w", err)
	}
	if ev.Object.ID == "" {
		return fmt.Errorf("malformed webhook payload: missing payment id")
	}

	succeeded := ev.Object.Status == "succeeded"

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.PaymentForUpdate(ctx, tx, ev.Object.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		// A payment we never initiated. Accept so the provider stops
		// retrying, but grant nothing.
		s.log.Warn("webhook for unknown payment", "payment_id", ev.Object.ID)
		return nil
	}
	if rec.ProcessedAt != nil {
		s.log.Info("webhook replay for processed payment, no-op", "payment_id", rec.PaymentID)
		return nil
	}

	topup, err := s.store.TopupForUpdate(ctx, tx, rec.TopupID)
	if err != nil {
		return err
	}
	if topup == nil {
		return fmt.Errorf("payment %s references missing topup %s", rec.PaymentID, rec.TopupID)
	}

	if succeeded {
		if _, err := s.ledger.GrantTx(ctx, tx, topup.UserID, topup.Credits, topup.ID); err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		if err := s.store.MarkTopupPaid(ctx, tx, topup.ID); err != nil {
			return err
		}
	} else {
		if err := s.store.MarkTopupFailed(ctx, tx, topup.ID); err != nil {
			return err
		}
	}
	if err := s.store.MarkPaymentProcessed(ctx, tx, rec.PaymentID, ev.Object.Status, raw); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.log.Info("payment reconciled",
		"payment_id", rec.PaymentID, "topup_id", topup.ID, "user_id", topup.UserID, "succeeded", succeeded)

	if succeeded {
		if s.referrals != nil {
			// The grant is already committed; an activation error only
			// costs the referrer their reward for this event.
			if _, err := s.referrals.Activate(ctx, topup.UserID); err != nil {
				s.log.Warn("referral activation failed", "user_id", topup.UserID, "error", err)
			}
		}
		// Notification failure must not roll back the grant.
		go s.notifier.PaymentSucceeded(context.WithoutCancel(ctx), topup.UserID, topup.Credits, topup.RubAmount)
	}
	return nil
}

// ExpireStale marks topups that never received a webhook as expired once
// they outlive the configured expiry. Returns the number expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.TopupExpiry)
	n, err := s.store.ExpireStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale topups: %w", err)
	}
	if n > 0 {
		s.log.Warn("expired stale topups", "count", n)
	}
	return n, nil
}

// RunExpiry runs ExpireStale on a ticker until ctx is cancelled.
func (s *Service) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				s.log.Error("topup expiry pass failed", "error", err)
			}
		}
	}
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw body.
// Comparison is constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex HMAC-SHA256 signature for a body. Used by tests and
// local tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
