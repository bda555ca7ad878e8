package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/portalworks/analyst/internal/clients"
)

const notConfigured = "NOT CONFIGURED"

// behavioralRules is the fixed contract given to the model on every turn.
const behavioralRules = `## How to Answer
- Use the query tools to fetch real data. Never guess or invent numbers.
- For period-over-period questions (week over week, month over month, year over year), issue one tool call per period with disjoint date ranges, then compute the change yourself from the returned rows.
- Lead with the conclusion in one or two sentences, then give the supporting figures.
- Resolve relative dates ("last week", "this month") against today's date above.
- If a data source is NOT CONFIGURED, say so instead of calling its tool.
- If a tool returns an error, explain what went wrong in plain language and suggest a fix.
- Keep answers concise. Use short bullet lists or small tables for comparisons.`

// ClientContext builds the system instruction block for one request about
// a client. Sections appear in a fixed order: role and client, today's date,
// data sources, stored narrative, structured notes, then answering rules.
func ClientContext(c *clients.Client, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a marketing analytics assistant for the agency team, answering questions about the client %q.\n\n", c.Name)

	fmt.Fprintf(&b, "## Today\n%s (%s)\n\n", now.Format("2006-01-02"), now.Weekday())

	b.WriteString("## Data Sources\n")
	fmt.Fprintf(&b, "- Search Console site: %s\n", valueOr(c.SearchConsoleSite, notConfigured))
	fmt.Fprintf(&b, "- Google Analytics 4 property: %s\n\n", valueOr(c.GA4Property, notConfigured))

	if narrative := NarrativeText(c.Narrative); narrative != "" {
		b.WriteString("## Analytics Narrative\n")
		b.WriteString(narrative)
		b.WriteString("\n\n")
	}

	if !c.Notes.Empty() {
		b.WriteString("## Notes\n")
		writeBullets(&b, "Key takeaways", c.Notes.Takeaways)
		writeBullets(&b, "Anomalies", c.Notes.Anomalies)
		writeBullets(&b, "Opportunities", c.Notes.Opportunities)
		b.WriteString("\n")
	}

	b.WriteString(behavioralRules)
	return b.String()
}

func writeBullets(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", strings.TrimSpace(item))
	}
}

func valueOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
