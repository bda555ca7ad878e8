package clients

import (
	"context"
	"errors"
	"testing"

	"github.com/portalworks/analyst/internal/sqldb"

	_ "modernc.org/sqlite"
)

func testLookup(t *testing.T) *SQLLookup {
	t.Helper()
	db, err := sqldb.Open(sqldb.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	l, err := NewSQLLookup(db, nil)
	if err != nil {
		t.Fatalf("NewSQLLookup: %v", err)
	}
	return l
}

func TestSQLLookup_PutGet(t *testing.T) {
	l := testLookup(t)
	ctx := context.Background()

	in := &Client{
		ID:                "acme",
		Name:              "Acme Widgets",
		SearchConsoleSite: "sc-domain:acme.example",
		GA4Property:       "123456",
		Narrative:         "<p>Organic traffic is <b>seasonal</b>.</p>",
		Notes: &Notes{
			Takeaways: []string{"Blog drives signups"},
			Anomalies: []string{"Spike on 2026-09-14"},
		},
	}
	if err := l.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := l.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != in.Name || got.SearchConsoleSite != in.SearchConsoleSite || got.GA4Property != in.GA4Property {
		t.Errorf("Get = %+v", got)
	}
	if got.Notes == nil || len(got.Notes.Takeaways) != 1 || got.Notes.Anomalies[0] != "Spike on 2026-09-14" {
		t.Errorf("notes = %+v", got.Notes)
	}

	in.Name = "Acme Widgets Ltd"
	in.Notes = nil
	if err := l.Put(ctx, in); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	got, _ = l.Get(ctx, "acme")
	if got.Name != "Acme Widgets Ltd" || got.Notes != nil {
		t.Errorf("after update = %+v", got)
	}
}

func TestSQLLookup_NotFound(t *testing.T) {
	l := testLookup(t)
	if _, err := l.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLLookup_MalformedNotesIgnored(t *testing.T) {
	l := testLookup(t)
	_, err := l.db.Exec(`INSERT INTO clients (id, name, notes) VALUES ('x', 'X Corp', '{not json')`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(context.Background(), "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Notes != nil {
		t.Errorf("notes = %+v, want nil", got.Notes)
	}
}

func TestStatic(t *testing.T) {
	s := Static{"acme": {ID: "acme", Name: "Acme"}}
	if c, err := s.Get(context.Background(), "acme"); err != nil || c.Name != "Acme" {
		t.Errorf("Get = %v, %v", c, err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestNotes_Empty(t *testing.T) {
	var n *Notes
	if !n.Empty() {
		t.Error("nil notes should be empty")
	}
	if (&Notes{}).Empty() == false {
		t.Error("zero notes should be empty")
	}
	if (&Notes{Opportunities: []string{"x"}}).Empty() {
		t.Error("notes with an opportunity are not empty")
	}
}
