// Package imagegen runs image generation jobs from the durable queue and
// talks to the external image API.
package imagegen

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GenerateArgs is the queue payload for one generation job.
type GenerateArgs struct {
	GenerationID    uuid.UUID       `json:"generation_id"`
	UserID          int64           `json:"user_id"`
	Prompt          string          `json:"prompt"`
	ReferenceImages []string        `json:"reference_images,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

func (GenerateArgs) Kind() string { return "generate_image" }

// Error codes for permanent generation failures. A permanent failure releases
// the reservation and is never retried.
const (
	CodeSafety          = "SAFETY"
	CodeNoImage         = "NO_IMAGE"
	CodeTimeout         = "TIMEOUT"
	CodeNoReferenceImgs = "NO_REFERENCE_IMAGES"
)

// GenerationError is a permanent, classified failure from the image API.
// Anything else (network, 5xx) is transient and goes back to the queue.
type GenerationError struct {
	Code    string
	Message string
}

func (e *GenerationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is a successful generation.
type Result struct {
	ImageURL string `json:"image_url"`
	Seed     int64  `json:"seed"`
}
