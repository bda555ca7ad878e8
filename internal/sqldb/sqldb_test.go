package sqldb

import (
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestRebindPostgres(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = $1"},
		{"INSERT INTO t (a, b, c) VALUES (?, ?, ?)", "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
	}
	for _, tt := range tests {
		if got := RebindPostgres(tt.in); got != tt.want {
			t.Errorf("RebindPostgres(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDB_RebindByDialect(t *testing.T) {
	q := "SELECT id FROM messages WHERE conversation_id = ?"
	if got := (&DB{driver: DriverSQLiteCGO}).Rebind(q); got != q {
		t.Errorf("sqlite3 rebind changed query: %q", got)
	}
	if got := (&DB{driver: DriverPostgres}).Rebind(q); got != "SELECT id FROM messages WHERE conversation_id = $1" {
		t.Errorf("postgres rebind = %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if db.Postgres() {
		t.Error("sqlite database reported postgres dialect")
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	a := FormatTime(base)
	b := FormatTime(base.Add(time.Microsecond))
	c := FormatTime(base.Add(time.Second))
	if !(a < b && b < c) {
		t.Errorf("timestamps not ordered: %q %q %q", a, b, c)
	}
	back, err := ParseTime(b)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(base.Add(time.Microsecond)) {
		t.Errorf("ParseTime = %v", back)
	}
	if _, err := ParseTime("2026-10-19T09:00:00Z"); err != nil {
		t.Errorf("RFC 3339 input rejected: %v", err)
	}
}
