package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	policiesPath   = "/api/v1/policies"
	userAgent      = "phi-sentinel/1.0"
	maxPolicyBytes = 4 << 20
	defaultTimeout = 10 * time.Second
	statusUpToDate = "up_to_date"
)

// Fetcher retrieves the latest policy. It returns (nil, nil) when the
// caller's currentVersion is still current.
type Fetcher interface {
	Fetch(ctx context.Context, currentVersion string) (*Policy, error)
}

// HTTPFetcher talks to the policy service over HTTP
type HTTPFetcher struct {
	baseURL string
	appID   string
	apiKey  string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher with a bounded request timeout.
func NewHTTPFetcher(baseURL, appID, apiKey string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, currentVersion string) (*Policy, error) {
	q := url.Values{}
	q.Set("app_id", f.appID)
	if currentVersion != "" {
		q.Set("current_version", currentVersion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+policiesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy request: %w", err)
	}
	req.Header.Set("X-API-Key", f.apiKey)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy response: %w", err)
	}

	if gjson.GetBytes(body, "status").String() == statusUpToDate {
		return nil, nil
	}

	return Parse(body)
}
