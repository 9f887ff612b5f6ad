package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ImageClient produces an image for a prompt. Implementations classify
// permanent failures as *GenerationError.
type ImageClient interface {
	Generate(ctx context.Context, args GenerateArgs) (*Result, error)
}

// Client is the HTTP implementation of ImageClient.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

var _ ImageClient = (*Client)(nil)

type generateRequest struct {
	Model           string          `json:"model"`
	Prompt          string          `json:"prompt"`
	ReferenceImages []string        `json:"reference_images,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

type generateResponse struct {
	ImageURL string `json:"image_url"`
	Seed     int64  `json:"seed"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Generate(ctx context.Context, args GenerateArgs) (*Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:           c.model,
		Prompt:          args.Prompt,
		ReferenceImages: args.ReferenceImages,
		Settings:        args.Settings,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image api: %w", err)
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("image api: decode response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("image api: status %d", resp.StatusCode)
	case out.Error != nil:
		return nil, &GenerationError{Code: out.Error.Code, Message: out.Error.Message}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("image api: unexpected status %d", resp.StatusCode)
	case out.ImageURL == "":
		return nil, &GenerationError{Code: CodeNoImage, Message: "response contained no image"}
	}
	return &Result{ImageURL: out.ImageURL, Seed: out.Seed}, nil
}
