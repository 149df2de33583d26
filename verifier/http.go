package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kamiyo/kagami"
)

// HTTPVerifier delegates payment verification to a remote verification
// service over HTTP. It implements kagami.PaymentVerifier.
type HTTPVerifier struct {
	url        string
	httpClient *http.Client
}

// HTTPVerifierConfig configures the HTTP verifier client.
type HTTPVerifierConfig struct {
	// URL is the base URL of the verification service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s).
	Timeout time.Duration
}

// NewHTTPVerifier creates a client for a remote verification service.
func NewHTTPVerifier(config *HTTPVerifierConfig) (*HTTPVerifier, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("verification service URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &HTTPVerifier{
		url:        config.URL,
		httpClient: httpClient,
	}, nil
}

type verifyRequestBody struct {
	TxHash         string   `json:"tx_hash"`
	Chain          string   `json:"chain"`
	ExpectedAmount *float64 `json:"expected_amount,omitempty"`
}

// VerifyPayment posts the payment to the service's /verify endpoint and
// decodes the result. Non-200 responses become errors rather than invalid
// results so the caller can distinguish service failures from rejections.
func (c *HTTPVerifier) VerifyPayment(ctx context.Context, txHash, chain string, expectedAmount *float64) (kagami.VerificationResult, error) {
	body, err := json.Marshal(verifyRequestBody{
		TxHash:         txHash,
		Chain:          chain,
		ExpectedAmount: expectedAmount,
	})
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/verify", bytes.NewReader(body))
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return kagami.VerificationResult{}, fmt.Errorf(
			"verification service failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var result kagami.VerificationResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return kagami.VerificationResult{}, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return result, nil
}
