package referral

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanobanana/backend/internal/config"
	"github.com/nanobanana/backend/internal/ledger"
)

// Store is the storage contract for referral rows.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, r *Referral) error
	FindForUpdate(ctx context.Context, tx pgx.Tx, referredUserID int64) (*Referral, error)
	MarkActivatedTx(ctx context.Context, tx pgx.Tx, id int64) error
	MarkRewardedTx(ctx context.Context, tx pgx.Tx, id int64) error
	CountRewardedSince(ctx context.Context, tx pgx.Tx, referrerID int64, since time.Time) (int, error)
}

// CreditGranter is the slice of the ledger bonus grants need.
type CreditGranter interface {
	GrantTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*ledger.Transaction, error)
}

type Service struct {
	store  Store
	ledger CreditGranter
	cfg    *config.Config
	log    *slog.Logger
}

func NewService(store Store, granter CreditGranter, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: granter, cfg: cfg, log: log}
}

// Register grants the signup bonus for a new user: the plain welcome bonus,
// or the larger referral bonus when a valid referral code points at someone
// else. The grant reference is derived from the user id, so a replayed
// registration credits nothing. Returns the bonus amount and type.
func (s *Service) Register(ctx context.Context, userID int64, referrerCode string) (int, BonusType, error) {
	referrerID := ParseCode(referrerCode)
	if referrerID == userID {
		s.log.Warn("self-referral ignored", "user_id", userID)
		referrerID = 0
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, "", err
	}
	defer tx.Rollback(ctx)

	amount, bonusType := s.cfg.WelcomeBonus, BonusWelcome
	if referrerID != 0 {
		amount, bonusType = s.cfg.ReferralBonus, BonusReferral
	}

	if _, err := s.ledger.GrantTx(ctx, tx, userID, amount, bonusReference(string(bonusType)+"_bonus", userID)); err != nil {
		return 0, "", fmt.Errorf("grant %s bonus: %w", bonusType, err)
	}
	if referrerID != 0 {
		if err := s.store.CreateTx(ctx, tx, &Referral{
			ReferredUserID: userID,
			ReferrerID:     referrerID,
			Status:         StatusRegistered,
		}); err != nil {
			return 0, "", fmt.Errorf("create referral: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, "", err
	}

	s.log.Info("signup bonus granted",
		"user_id", userID, "bonus", bonusType, "credits", amount, "referrer_id", referrerID)
	return amount, bonusType, nil
}

// Activate marks the referral activated after the user's first paid topup or
// completed generation and rewards the referrer, subject to the referrer's
// daily reward cap. Safe to call on every qualifying event: only a referral
// still in registered state does anything. Reports whether the referrer was
// rewarded.
func (s *Service) Activate(ctx context.Context, userID int64) (bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ref, err := s.store.FindForUpdate(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if ref == nil || ref.Status != StatusRegistered {
		return false, nil
	}

	if err := s.store.MarkActivatedTx(ctx, tx, ref.ID); err != nil {
		return false, err
	}

	todayStart := time.Now().Truncate(24 * time.Hour)
	rewardedToday, err := s.store.CountRewardedSince(ctx, tx, ref.ReferrerID, todayStart)
	if err != nil {
		return false, err
	}
	rewarded := rewardedToday < s.cfg.ReferralDailyRewardCap
	if rewarded {
		reference := bonusReference("referrer_reward", userID)
		if _, err := s.ledger.GrantTx(ctx, tx, ref.ReferrerID, s.cfg.ReferrerReward, reference); err != nil {
			return false, fmt.Errorf("grant referrer reward: %w", err)
		}
		if err := s.store.MarkRewardedTx(ctx, tx, ref.ID); err != nil {
			return false, err
		}
	} else {
		s.log.Warn("referrer daily reward cap reached",
			"referrer_id", ref.ReferrerID, "referred_user_id", userID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	s.log.Info("referral activated",
		"referred_user_id", userID, "referrer_id", ref.ReferrerID, "rewarded", rewarded)
	return rewarded, nil
}
