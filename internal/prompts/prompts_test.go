package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/portalworks/analyst/internal/clients"
)

var testNow = time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC)

func TestClientContext_SectionOrder(t *testing.T) {
	c := &clients.Client{
		ID:                "acme",
		Name:              "Acme Widgets",
		SearchConsoleSite: "sc-domain:acme.example",
		GA4Property:       "123456",
		Narrative:         "<p>Organic is <b>up</b> year over year.</p>",
		Notes: &clients.Notes{
			Takeaways:     []string{"Blog drives signups"},
			Anomalies:     []string{"Spike on 2026-09-14"},
			Opportunities: []string{"Refresh pricing page"},
		},
	}

	got := ClientContext(c, testNow)

	markers := []string{
		`"Acme Widgets"`,
		"2026-10-19 (Monday)",
		"sc-domain:acme.example",
		"123456",
		"Organic is up year over year.",
		"- Blog drives signups",
		"- Spike on 2026-09-14",
		"- Refresh pricing page",
		"## How to Answer",
	}
	last := -1
	for _, m := range markers {
		idx := strings.Index(got, m)
		if idx < 0 {
			t.Fatalf("context missing %q:\n%s", m, got)
		}
		if idx <= last {
			t.Errorf("%q appears out of order", m)
		}
		last = idx
	}
	if strings.Contains(got, "<b>") {
		t.Error("narrative HTML was not reduced to text")
	}
}

func TestClientContext_NotConfigured(t *testing.T) {
	got := ClientContext(&clients.Client{ID: "bare", Name: "Bare Co"}, testNow)

	if strings.Count(got, notConfigured) != 3 {
		// Two data-source markers plus the rule that mentions the marker.
		t.Errorf("expected both sources marked %s:\n%s", notConfigured, got)
	}
	if strings.Contains(got, "## Analytics Narrative") || strings.Contains(got, "## Notes") {
		t.Errorf("empty narrative/notes sections rendered:\n%s", got)
	}
}

func TestClientContext_BehavioralRules(t *testing.T) {
	got := ClientContext(&clients.Client{Name: "X"}, testNow)
	for _, want := range []string{"Never guess", "one tool call per period", "Lead with the conclusion", "suggest a fix"} {
		if !strings.Contains(got, want) {
			t.Errorf("rules missing %q", want)
		}
	}
}

func TestNarrativeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"plain text", "Traffic  is   steady.", "Traffic is steady."},
		{"paragraphs", "<p>First.</p><p>Second.</p>", "First.\n\nSecond."},
		{"list", "<ul><li>One</li><li>Two</li></ul>", "- One\n- Two"},
		{"script dropped", "<p>Safe</p><script>alert(1)</script>", "Safe"},
		{"entities", "<p>Clicks &amp; impressions</p>", "Clicks & impressions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NarrativeText(tt.in); got != tt.want {
				t.Errorf("NarrativeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToolStatus(t *testing.T) {
	tests := map[string]string{
		"query_search_console":   "Querying Search Console…",
		"query_google_analytics": "Querying Google Analytics…",
		"other":                  "Running other…",
	}
	for name, want := range tests {
		if got := ToolStatus(name); got != want {
			t.Errorf("ToolStatus(%q) = %q, want %q", name, got, want)
		}
	}
}
