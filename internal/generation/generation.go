// Package generation coordinates the lifecycle of image generation jobs:
// credit reservation, durable enqueue, terminal settlement and timeout sweep.
package generation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the generation state machine. reserved and processing are
// non-terminal; completed and failed are terminal and settle the reservation.
type Status string

const (
	StatusReserved   Status = "reserved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound          = errors.New("generation not found")
	ErrEmptyPrompt       = errors.New("prompt is required")
	ErrTooManyActive     = errors.New("user already has an active generation")
	ErrQueueFull         = errors.New("generation queue is full")
	ErrRateLimited       = errors.New("hourly generation limit reached")
	ErrInvalidTransition = errors.New("invalid generation status transition")
)

// Generation is one image job. ID doubles as the ledger reference for its
// reserve/commit/release transactions.
type Generation struct {
	ID              uuid.UUID       `json:"id"`
	UserID          int64           `json:"user_id"`
	Prompt          string          `json:"prompt"`
	ReferenceImages []string        `json:"reference_images,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
	Status          Status          `json:"status"`
	Cost            int             `json:"cost"`
	Error           *string         `json:"error,omitempty"`
	ImageURL        *string         `json:"image_url,omitempty"`
	Seed            *int64          `json:"seed,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}
