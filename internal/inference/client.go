package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coinsentry/coinsentry-go/internal/config"
)

// TransientError marks failures worth one retry: timeouts, connection
// errors and 5xx responses. 4xx responses mean the input itself is bad
// and retrying cannot help.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient inference failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client calls the local inference service's generate endpoint. The
// service is slow (seconds-scale) and occasionally unavailable; every
// call is bounded by the configured timeout.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	model       string
	temperature float64
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewClient creates an inference client.
func NewClient(cfg config.InferenceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(cfg.ServiceURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

// Generate runs a single completion and returns the raw response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]interface{}{"temperature": c.temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("inference request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("failed to read inference response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("inference service error %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("inference request rejected with status %d: %s", resp.StatusCode, string(body))
	}

	var response generateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal inference response: %w", err)
	}
	return response.Response, nil
}
