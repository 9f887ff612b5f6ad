// Package notify is the outbound boundary to the bot front-end. Delivery is
// fire-and-forget: failures are logged, never propagated, and never part of
// a storage transaction.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers user-facing outcome messages. Implementations must not
// block the caller beyond a bounded timeout and must not return errors.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, userID int64, credits, rubAmount int)
	GenerationCompleted(ctx context.Context, userID int64, imageURL string, seed int64)
	GenerationFailed(ctx context.Context, userID int64, reason string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) PaymentSucceeded(context.Context, int64, int, int)        {}
func (Nop) GenerationCompleted(context.Context, int64, string, int64) {}
func (Nop) GenerationFailed(context.Context, int64, string)           {}

// BotClient posts notification events to the bot front-end's internal
// endpoint, which owns message formatting and delivery to the user.
type BotClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewBotClient(baseURL, token string, log *slog.Logger) *BotClient {
	if log == nil {
		log = slog.Default()
	}
	return &BotClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

var _ Notifier = (*BotClient)(nil)

type event struct {
	UserID    int64  `json:"user_id"`
	Kind      string `json:"kind"`
	Credits   int    `json:"credits,omitempty"`
	RubAmount int    `json:"rub_amount,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Seed      int64  `json:"seed,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *BotClient) PaymentSucceeded(ctx context.Context, userID int64, credits, rubAmount int) {
	c.post(ctx, event{UserID: userID, Kind: "payment_succeeded", Credits: credits, RubAmount: rubAmount})
}

func (c *BotClient) GenerationCompleted(ctx context.Context, userID int64, imageURL string, seed int64) {
	c.post(ctx, event{UserID: userID, Kind: "generation_completed", ImageURL: imageURL, Seed: seed})
}

func (c *BotClient) GenerationFailed(ctx context.Context, userID int64, reason string) {
	c.post(ctx, event{UserID: userID, Kind: "generation_failed", Reason: reason})
}

func (c *BotClient) post(ctx context.Context, ev event) {
	body, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("notify: encode event", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/notify", bytes.NewReader(body))
	if err != nil {
		c.log.Error("notify: build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("notify: delivery failed", "kind", ev.Kind, "user_id", ev.UserID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("notify: delivery rejected", "kind", ev.Kind, "user_id", ev.UserID,
			"error", fmt.Sprintf("status %d", resp.StatusCode))
	}
}
