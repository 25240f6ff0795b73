package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/httpretry"
)

// HTTPRegistry looks numbers up against an external do-not-contact service.
// The upstream is slow and rate-limited, so calls go through the retrying
// client and results are cached by the gate.
type HTTPRegistry struct {
	baseURL string
	client  httpretry.HTTPDoer
}

// NewHTTPRegistry creates a registry client for the given base URL.
func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  httpretry.NewRetryClient(nil, 3),
	}
}

// Listed reports whether the number appears on the registry.
func (r *HTTPRegistry) Listed(ctx context.Context, phone string) (bool, error) {
	u := fmt.Sprintf("%s/v1/lookup?number=%s", r.baseURL, url.QueryEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build dnc lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("dnc lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("dnc lookup: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Listed bool `json:"listed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode dnc lookup response: %w", err)
	}
	return body.Listed, nil
}

// NopRegistry reports every number as clear. Used when no registry service
// is configured.
type NopRegistry struct{}

// Listed always returns false.
func (NopRegistry) Listed(ctx context.Context, phone string) (bool, error) { return false, nil }
