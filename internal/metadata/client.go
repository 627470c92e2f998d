// Package metadata resolves token metadata by mint through a batched,
// rate-limited search API and an age-bounded cache.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dammdash/internal/domain"
)

// DefaultBaseURL is the public Jupiter token API.
const DefaultBaseURL = "https://lite-api.jup.ag"

// MaxSearchIDs is the largest mint list accepted by one search call.
const MaxSearchIDs = 100

// Searcher looks up token metadata for a list of mints.
// Mints unknown to the backend are absent from the result.
type Searcher interface {
	Search(ctx context.Context, mints []string) ([]*domain.TokenMetadata, error)
}

// JupiterClient implements Searcher against the Jupiter token search endpoint.
type JupiterClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// ClientOption configures JupiterClient.
type ClientOption func(*JupiterClient)

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *JupiterClient) {
		c.client = client
	}
}

// WithAPIKey sets the x-api-key header sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *JupiterClient) {
		c.apiKey = key
	}
}

// NewJupiterClient creates a search client rooted at baseURL.
func NewJupiterClient(baseURL string, opts ...ClientOption) *JupiterClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &JupiterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResult struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Symbol     string              `json:"symbol"`
	Icon       *string             `json:"icon"`
	Decimals   int                 `json:"decimals"`
	USDPrice   decimal.NullDecimal `json:"usdPrice"`
	IsVerified *bool               `json:"isVerified"`
	Launchpad  *string             `json:"launchpad"`
}

// Search queries up to MaxSearchIDs mints in one request.
func (c *JupiterClient) Search(ctx context.Context, mints []string) ([]*domain.TokenMetadata, error) {
	if len(mints) == 0 {
		return nil, nil
	}
	if len(mints) > MaxSearchIDs {
		return nil, fmt.Errorf("search accepts at most %d mints, got %d", MaxSearchIDs, len(mints))
	}

	u := c.baseURL + "/tokens/v2/search?query=" + url.QueryEscape(strings.Join(mints, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	requested := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		requested[m] = struct{}{}
	}

	fetchedAt := c.now().UnixMilli()
	out := make([]*domain.TokenMetadata, 0, len(results))
	for _, r := range results {
		// search is fuzzy; keep exact mint matches only
		if _, ok := requested[r.ID]; !ok {
			continue
		}
		m := &domain.TokenMetadata{
			Mint:        r.ID,
			Name:        r.Name,
			Symbol:      r.Symbol,
			Decimals:    r.Decimals,
			Icon:        r.Icon,
			Launchpad:   r.Launchpad,
			IsVerified:  r.IsVerified != nil && *r.IsVerified,
			LastUpdated: fetchedAt,
		}
		if r.USDPrice.Valid {
			m.PriceUSD = r.USDPrice.Decimal
		}
		out = append(out, m)
	}
	return out, nil
}

var _ Searcher = (*JupiterClient)(nil)
