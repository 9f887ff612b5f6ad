// Package yookassa is a thin client for the YooKassa payments API, covering
// only payment creation. Webhook intake lives in the payments package.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nanobanana/backend/internal/payments"
)

const baseURL = "https://api.yookassa.ru/v3"

type Client struct {
	shopID     string
	secretKey  string
	httpClient *http.Client
}

func NewClient(shopID, secretKey string) *Client {
	return &Client{
		shopID:     shopID,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ payments.Provider = (*Client)(nil)

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createPaymentRequest struct {
	Amount       amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation map[string]string `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

type createPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

// CreatePayment opens a redirect checkout. The topup id rides in metadata so
// the webhook can find its way back; the Idempotence-Key header makes
// provider-side retries safe.
func (c *Client) CreatePayment(ctx context.Context, req payments.CreatePaymentRequest) (*payments.ProviderPayment, error) {
	body, err := json.Marshal(createPaymentRequest{
		Amount:  amount{Value: fmt.Sprintf("%d.00", req.RubAmount), Currency: "RUB"},
		Capture: true,
		Confirmation: map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		Description: req.Description,
		Metadata: map[string]string{
			"topup_id": req.TopupID.String(),
			"user_id":  fmt.Sprintf("%d", req.UserID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create payment request: %w", err)
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("yookassa: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("yookassa: status %d: %s", resp.StatusCode, msg)
	}

	var out createPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("yookassa: decode response: %w", err)
	}
	if out.ID == "" || out.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("yookassa: incomplete payment response")
	}
	return &payments.ProviderPayment{
		ID:              out.ID,
		Status:          out.Status,
		ConfirmationURL: out.Confirmation.ConfirmationURL,
	}, nil
}
