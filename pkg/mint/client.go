package mint

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

	"settlement-bridge/pkg/retrier"
)

// ErrRejected marks a request the custodial API refused outright, e.g. for
// invalid fields. Such failures are non-retryable.
var ErrRejected = errors.New("rejected by mint api")

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the custodial mint API. Every call carries the settlement id
// as an idempotency key, so a retried call against an already processed mint
// is a no-op returning the same reference.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

type mintRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type mintResponse struct {
	MintReference string `json:"mintReference"`
}

// Mint requests a stablecoin mint and returns the custodian's reference.
func (c *Client) Mint(ctx context.Context, amount, idempotencyKey string) (string, error) {
	body, err := json.Marshal(mintRequest{
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", retrier.Permanent(fmt.Errorf("failed to marshal mint request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mint", bytes.NewReader(body))
	if err != nil {
		return "", retrier.Permanent(fmt.Errorf("failed to build mint request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("failed to read mint response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("mint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if isCounterpartyRejection(resp.StatusCode) {
			return "", retrier.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
		}
		return "", err
	}

	var parsed mintResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse mint response: %w", err)
	}
	if parsed.MintReference == "" {
		return "", fmt.Errorf("mint response missing mintReference")
	}
	return parsed.MintReference, nil
}

// 408 and 429 are transient despite being 4xx, every other 4xx is a
// rejection of the request itself.
func isCounterpartyRejection(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
