// Package referral grants signup bonuses and referrer rewards through the
// credit ledger. Every bonus is a ledger grant keyed by a deterministic
// reference id, so replays of the same signup or activation credit nothing.
package referral

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the referral lifecycle: registered on signup via a referral
// link, activated after the user's first paid topup or completed
// generation, rewarded once the referrer's credits are granted.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActivated  Status = "activated"
	StatusRewarded   Status = "rewarded"
)

// BonusType names which signup bonus a user received.
type BonusType string

const (
	BonusWelcome  BonusType = "welcome"
	BonusReferral BonusType = "referral"
)

// Referral links a referred user to their referrer. One row per referred
// user, created at signup.
type Referral struct {
	ID             int64      `json:"id"`
	ReferredUserID int64      `json:"referred_user_id"`
	ReferrerID     int64      `json:"referrer_id"`
	Status         Status     `json:"status"`
	RegisteredAt   time.Time  `json:"registered_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	RewardedAt     *time.Time `json:"rewarded_at,omitempty"`
}

const codePrefix = "ref_"

// Code returns the user's shareable referral code.
func Code(userID int64) string {
	return fmt.Sprintf("%s%d", codePrefix, userID)
}

// ParseCode extracts the referrer id from a referral code. Returns 0 for
// anything that is not a well-formed code.
func ParseCode(code string) int64 {
	s, ok := strings.CutPrefix(code, codePrefix)
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

var bonusNamespace = uuid.MustParse("8f3c0f6e-4a1d-4c59-9b1a-2d6c3f1e7b42")

// bonusReference derives the ledger reference id for a bonus grant. The id
// is a function of the bonus kind and user, so the (kind, reference_id)
// ledger uniqueness makes each bonus a one-time event per user.
func bonusReference(kind string, userID int64) uuid.UUID {
	return uuid.NewSHA1(bonusNamespace, []byte(fmt.Sprintf("%s:%d", kind, userID)))
}
