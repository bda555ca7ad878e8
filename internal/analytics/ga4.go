package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/portalworks/analyst/internal/httpkit"
)

const defaultGA4URL = "https://analyticsdata.googleapis.com"

// GA4Client calls the GA4 Data API runReport method.
type GA4Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGA4Client creates a client. An empty baseURL selects the public
// Google endpoint.
func NewGA4Client(baseURL, accessToken string, logger *slog.Logger) *GA4Client {
	if baseURL == "" {
		baseURL = defaultGA4URL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GA4Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		httpClient: httpkit.NewClient(
			httpkit.WithLogger(logger),
			httpkit.WithRetry(dialRetries, dialRetryDelay),
		),
		logger: logger.With("service", "ga4"),
	}
}

type ga4Name struct {
	Name string `json:"name"`
}

type ga4DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type ga4Request struct {
	DateRanges []ga4DateRange `json:"dateRanges"`
	Dimensions []ga4Name      `json:"dimensions,omitempty"`
	Metrics    []ga4Name      `json:"metrics"`
	Limit      int            `json:"limit,omitempty"`
}

type ga4Value struct {
	Value string `json:"value"`
}

type ga4Response struct {
	DimensionHeaders []ga4Name `json:"dimensionHeaders"`
	MetricHeaders    []ga4Name `json:"metricHeaders"`
	Rows             []struct {
		DimensionValues []ga4Value `json:"dimensionValues"`
		MetricValues    []ga4Value `json:"metricValues"`
	} `json:"rows"`
}

// RunReport runs one GA4 report for a property. Property ids may be given
// with or without the "properties/" prefix.
func (c *GA4Client) RunReport(ctx context.Context, propertyID string, q ReportQuery) ([]Row, error) {
	propertyID = strings.TrimPrefix(propertyID, "properties/")
	if propertyID == "" {
		return nil, ErrNotConfigured
	}
	if c.token == "" {
		return nil, fmt.Errorf("%w: no Google Analytics access token", ErrNotConfigured)
	}

	req := ga4Request{
		DateRanges: []ga4DateRange{{StartDate: q.StartDate, EndDate: q.EndDate}},
		Limit:      q.RowLimit,
	}
	for _, d := range q.Dimensions {
		req.Dimensions = append(req.Dimensions, ga4Name{Name: d})
	}
	for _, m := range q.Metrics {
		req.Metrics = append(req.Metrics, ga4Name{Name: m})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.baseURL, propertyID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("ga4 report",
		"property", propertyID,
		"metrics", q.Metrics,
		"dimensions", q.Dimensions,
		"start", q.StartDate,
		"end", q.EndDate,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Service: "Google Analytics", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Service: "Google Analytics",
			Status:  resp.StatusCode,
			Body:    httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var out ga4Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &UpstreamError{Service: "Google Analytics", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	rows := make([]Row, 0, len(out.Rows))
	for _, r := range out.Rows {
		row := make(Row, 0, len(r.DimensionValues)+len(r.MetricValues))
		for i, v := range r.DimensionValues {
			if i < len(out.DimensionHeaders) {
				row = append(row, KV{Key: out.DimensionHeaders[i].Name, Value: v.Value})
			}
		}
		for i, v := range r.MetricValues {
			if i < len(out.MetricHeaders) {
				row = append(row, KV{Key: out.MetricHeaders[i].Name, Value: metricValue(v.Value)})
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// metricValue returns GA4's string-encoded metric as a number when it
// parses as one.
func metricValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
