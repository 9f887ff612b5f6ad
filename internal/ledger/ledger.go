// Package ledger enforces reserve/commit/release semantics over user credit
// balances. All four operations run inside a single storage transaction with
// the balance row locked, and each is idempotent per (kind, reference_id).
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a ledger mutation.
type Kind string

const (
	KindGrant   Kind = "grant"
	KindReserve Kind = "reserve"
	KindCommit  Kind = "commit"
	KindRelease Kind = "release"
)

// ErrInsufficientCredits is returned when available credits cannot cover a reserve.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvariantViolation is returned when a commit or release would drive the
// reserved column negative. It is non-retryable and requires manual
// reconciliation; balances are never silently clamped.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// ErrInvalidAmount is returned for zero or negative amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Balance is one user's credit position. Mutated exclusively through the
// ledger operations.
type Balance struct {
	UserID    int64     `json:"user_id"`
	Available int       `json:"available"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable audit record, one row per ledger mutation.
// Amount is signed by the movement of spendable credits: grant and release
// are positive, reserve and commit negative. BalanceBefore/BalanceAfter
// track the available column (equal for commit, which only consumes the
// reserve).
type Transaction struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Kind          Kind      `json:"kind"`
	Amount        int       `json:"amount"`
	BalanceBefore int       `json:"balance_before"`
	BalanceAfter  int       `json:"balance_after"`
	ReferenceID   uuid.UUID `json:"reference_id"`
	CreatedAt     time.Time `json:"created_at"`
}
