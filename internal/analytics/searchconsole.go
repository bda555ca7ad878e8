package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/portalworks/analyst/internal/httpkit"
)

const defaultSearchConsoleURL = "https://www.googleapis.com"

// Requests that never reached Google are retried; anything that did is
// reported to the model as a failed query.
const (
	dialRetries    = 2
	dialRetryDelay = 250 * time.Millisecond
)

// SearchConsoleClient calls the Search Console searchAnalytics.query API.
type SearchConsoleClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSearchConsoleClient creates a client. An empty baseURL selects the
// public Google endpoint.
func NewSearchConsoleClient(baseURL, accessToken string, logger *slog.Logger) *SearchConsoleClient {
	if baseURL == "" {
		baseURL = defaultSearchConsoleURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchConsoleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		httpClient: httpkit.NewClient(
			httpkit.WithLogger(logger),
			httpkit.WithRetry(dialRetries, dialRetryDelay),
		),
		logger: logger.With("service", "search_console"),
	}
}

type searchAnalyticsRequest struct {
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions"`
	RowLimit   int      `json:"rowLimit,omitempty"`
}

type searchAnalyticsResponse struct {
	Rows []struct {
		Keys        []string `json:"keys"`
		Clicks      float64  `json:"clicks"`
		Impressions float64  `json:"impressions"`
		CTR         float64  `json:"ctr"`
		Position    float64  `json:"position"`
	} `json:"rows"`
}

// QuerySearchAnalytics runs one search analytics query.
func (c *SearchConsoleClient) QuerySearchAnalytics(ctx context.Context, siteURL string, q SearchQuery) ([]Row, error) {
	if siteURL == "" {
		return nil, ErrNotConfigured
	}
	if c.token == "" {
		return nil, fmt.Errorf("%w: no Search Console access token", ErrNotConfigured)
	}

	body, err := json.Marshal(searchAnalyticsRequest{
		StartDate:  q.StartDate,
		EndDate:    q.EndDate,
		Dimensions: q.Dimensions,
		RowLimit:   q.RowLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/webmasters/v3/sites/%s/searchAnalytics/query", c.baseURL, url.PathEscape(siteURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("search analytics query",
		"site", siteURL,
		"dimensions", q.Dimensions,
		"start", q.StartDate,
		"end", q.EndDate,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: "Search Console", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Service: "Search Console",
			Status:  resp.StatusCode,
			Body:    httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var out searchAnalyticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Service: "Search Console", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	rows := make([]Row, 0, len(out.Rows))
	for _, r := range out.Rows {
		row := make(Row, 0, len(q.Dimensions)+4)
		for i, dim := range q.Dimensions {
			if i < len(r.Keys) {
				row = append(row, KV{Key: dim, Value: r.Keys[i]})
			}
		}
		row = append(row,
			KV{Key: "clicks", Value: r.Clicks},
			KV{Key: "impressions", Value: r.Impressions},
			KV{Key: "ctr", Value: r.CTR},
			KV{Key: "position", Value: r.Position},
		)
		rows = append(rows, row)
	}
	return rows, nil
}
