// Package clients looks up the agency client metadata that scopes every
// agent turn: which analytics sources exist and what the team already
// knows about the account.
package clients

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/portalworks/analyst/internal/sqldb"
)

// ErrNotFound is returned when a client id is unknown.
var ErrNotFound = errors.New("client not found")

// Notes are the structured observations recorded on a client.
type Notes struct {
	Takeaways     []string `json:"takeaways,omitempty"`
	Anomalies     []string `json:"anomalies,omitempty"`
	Opportunities []string `json:"opportunities,omitempty"`
}

// Empty reports whether no notes are recorded.
func (n *Notes) Empty() bool {
	return n == nil || len(n.Takeaways)+len(n.Anomalies)+len(n.Opportunities) == 0
}

// Client is the metadata for one agency client.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// SearchConsoleSite is the verified property, e.g. "sc-domain:example.com".
	SearchConsoleSite string `json:"searchConsoleSite,omitempty"`
	// GA4Property is the numeric GA4 property id.
	GA4Property string `json:"ga4Property,omitempty"`
	// Narrative is the stored analytics narrative, authored as HTML.
	Narrative string `json:"narrative,omitempty"`
	Notes     *Notes `json:"notes,omitempty"`
}

// Lookup resolves client metadata by id.
type Lookup interface {
	Get(ctx context.Context, id string) (*Client, error)
}

// SQLLookup reads clients from the shared database.
type SQLLookup struct {
	db     *sqldb.DB
	logger *slog.Logger
}

// NewSQLLookup creates a lookup on db. The clients table is created if
// missing so a standalone deployment can be seeded directly.
func NewSQLLookup(db *sqldb.DB, logger *slog.Logger) (*SQLLookup, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &SQLLookup{db: db, logger: logger.With("component", "clients")}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS clients (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		search_console_site TEXT NOT NULL DEFAULT '',
		ga4_property        TEXT NOT NULL DEFAULT '',
		narrative           TEXT NOT NULL DEFAULT '',
		notes               TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return nil, fmt.Errorf("migrate clients schema: %w", err)
	}
	return l, nil
}

// Get returns the client with the given id, or ErrNotFound.
func (l *SQLLookup) Get(ctx context.Context, id string) (*Client, error) {
	var c Client
	var notes string
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`
		SELECT id, name, search_console_site, ga4_property, narrative, notes
		FROM clients WHERE id = ?`), id).
		Scan(&c.ID, &c.Name, &c.SearchConsoleSite, &c.GA4Property, &c.Narrative, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", id, err)
	}

	if notes != "" {
		var n Notes
		if err := json.Unmarshal([]byte(notes), &n); err != nil {
			// Malformed notes should not block the agent; the narrative
			// and data sources are still useful.
			l.logger.Warn("ignoring malformed client notes", "client_id", id, "error", err)
		} else if !n.Empty() {
			c.Notes = &n
		}
	}
	return &c, nil
}

// Put inserts or replaces a client record.
func (l *SQLLookup) Put(ctx context.Context, c *Client) error {
	var notes string
	if !c.Notes.Empty() {
		b, err := json.Marshal(c.Notes)
		if err != nil {
			return fmt.Errorf("marshal notes: %w", err)
		}
		notes = string(b)
	}

	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO clients (id, name, search_console_site, ga4_property, narrative, notes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			search_console_site = excluded.search_console_site,
			ga4_property = excluded.ga4_property,
			narrative = excluded.narrative,
			notes = excluded.notes`),
		c.ID, c.Name, c.SearchConsoleSite, c.GA4Property, c.Narrative, notes)
	if err != nil {
		return fmt.Errorf("put client %s: %w", c.ID, err)
	}
	return nil
}

// Static is an in-memory Lookup, useful for tests and single-tenant runs.
type Static map[string]*Client

// Get returns the client with the given id, or ErrNotFound.
func (s Static) Get(_ context.Context, id string) (*Client, error) {
	c, ok := s[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}
