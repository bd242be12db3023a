package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kvantpay/tally/internal/ledger"
)

const defaultTimeout = 3 * time.Second

// Client asks an external permission service for a user's posting policy.
// The answer is frozen into the ledger account at creation time, so this is
// consulted once per (tenant, user, currency), not per posting.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a permission service client
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

// policyResponse is the permission service wire format
type policyResponse struct {
	AllowNegative bool   `json:"allowNegative"`
	CreditLimit   *int64 `json:"creditLimit,omitempty"`
}

// AccountPolicy fetches the posting policy for a user. An unknown user gets
// the restrictive default rather than an error: absence of a grant is not a
// failure.
func (c *Client) AccountPolicy(ctx context.Context, tenantID, userID string) (ledger.AccountPolicy, error) {
	reqURL := fmt.Sprintf("%s/api/v1/tenants/%s/users/%s/policy",
		c.baseURL, url.PathEscape(tenantID), url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return ledger.AccountPolicy{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ledger.AccountPolicy{}, fmt.Errorf("permission service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ledger.AccountPolicy{}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return ledger.AccountPolicy{}, fmt.Errorf("permission service returned %d: %s", resp.StatusCode, string(body))
	}

	var policy policyResponse
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return ledger.AccountPolicy{}, fmt.Errorf("failed to decode policy: %w", err)
	}

	if policy.CreditLimit != nil && *policy.CreditLimit < 0 {
		return ledger.AccountPolicy{}, fmt.Errorf("permission service returned negative credit limit %d", *policy.CreditLimit)
	}

	return ledger.AccountPolicy{
		AllowNegative: policy.AllowNegative,
		CreditLimit:   policy.CreditLimit,
	}, nil
}
