package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 3 * time.Second

// Client fetches exchange rates from an external rate service. Rates are
// decimal strings on the wire; float64 never touches a rate.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a rate service client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// rateResponse is the rate service wire format
type rateResponse struct {
	Rate string `json:"rate"`
}

// Rate fetches the current rate for a currency pair
func (c *Client) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("base", src)
	params.Set("quote", dst)
	reqURL := fmt.Sprintf("%s/api/v1/rates?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("rate service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Decimal{}, fmt.Errorf("no rate for %s:%s", src, dst)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return decimal.Decimal{}, fmt.Errorf("rate service returned %d: %s", resp.StatusCode, string(body))
	}

	var payload rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to decode rate: %w", err)
	}

	rate, err := decimal.NewFromString(payload.Rate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid rate %q: %w", payload.Rate, err)
	}
	if rate.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("rate %s for %s:%s is not positive", payload.Rate, src, dst)
	}
	return rate, nil
}

// Fallback chains two rate sources: the primary is asked first, the
// secondary answers when the primary fails. Wired as HTTP client over the
// static table so a rate service outage degrades to the configured sheet.
type Fallback struct {
	primary   Source
	secondary Source
}

// Source is anything that quotes a currency pair.
type Source interface {
	Rate(ctx context.Context, src, dst string) (decimal.Decimal, error)
}

// NewFallback chains two rate sources
func NewFallback(primary, secondary Source) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Rate asks the primary source, then the secondary
func (f *Fallback) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	rate, err := f.primary.Rate(ctx, src, dst)
	if err == nil {
		return rate, nil
	}
	return f.secondary.Rate(ctx, src, dst)
}
