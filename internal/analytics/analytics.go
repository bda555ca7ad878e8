// Package analytics queries the read-only analytics APIs that back the
// agent's data tools: Search Console search analytics and the GA4 Data API.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when the client has no data source of the
// requested kind, or the service has no credentials for it.
var ErrNotConfigured = errors.New("data source not configured")

// UpstreamError reports a failed call to an analytics API.
type UpstreamError struct {
	Service string
	Status  int    // HTTP status, 0 for transport errors
	Body    string // truncated response body
	Err     error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s returned %d: %s", e.Service, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s returned %d", e.Service, e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// KV is one named value in a result row.
type KV struct {
	Key   string
	Value any
}

// Row is an ordered set of named values: dimensions first, then metrics.
type Row []KV

// MarshalJSON renders the row as a JSON object preserving key order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value stored under key.
func (r Row) Get(key string) (any, bool) {
	for _, kv := range r {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// SearchQuery selects Search Console search analytics rows.
type SearchQuery struct {
	Dimensions []string // subset of query, page, date, device
	StartDate  string   // YYYY-MM-DD
	EndDate    string   // YYYY-MM-DD
	RowLimit   int
}

// ReportQuery selects a GA4 report.
type ReportQuery struct {
	Metrics    []string
	Dimensions []string
	StartDate  string
	EndDate    string
	RowLimit   int
}

// SearchAnalytics answers search-analytics queries for a verified site.
type SearchAnalytics interface {
	QuerySearchAnalytics(ctx context.Context, siteURL string, q SearchQuery) ([]Row, error)
}

// WebAnalytics answers web-analytics report queries for a property.
type WebAnalytics interface {
	RunReport(ctx context.Context, propertyID string, q ReportQuery) ([]Row, error)
}
