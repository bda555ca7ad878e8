// Package tools defines the analytics tools offered to the model and
// executes the calls it makes.
package tools

import (
	"fmt"
	"sort"

	"github.com/portalworks/analyst/internal/llm"
	"github.com/xeipuuv/gojsonschema"
)

// Tool names.
const (
	SearchConsole   = "query_search_console"
	GoogleAnalytics = "query_google_analytics"
)

// Default and maximum rows per query.
const (
	DefaultRowLimit = 100
	MaxRowLimit     = 25000
)

// Definition describes one tool: its name, what the model is told about
// it, and the JSON Schema its arguments must satisfy.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry is an immutable, ordered set of tool definitions.
type Registry struct {
	defs    []Definition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry compiles the argument schema of every definition. Names
// must be unique.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:    make([]Definition, 0, len(defs)),
		schemas: make(map[string]*gojsonschema.Schema, len(defs)),
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("tool definition without a name")
		}
		if _, dup := r.schemas[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", d.Name)
		}
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", d.Name, err)
		}
		r.defs = append(r.defs, d)
		r.schemas[d.Name] = schema
	}
	return r, nil
}

// DefaultRegistry returns the registry of the two analytics tools.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(searchConsoleDefinition(), googleAnalyticsDefinition())
	if err != nil {
		panic(fmt.Sprintf("default tool registry: %v", err))
	}
	return r
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	for _, d := range r.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// LLMTools returns the definitions in provider format, in registration
// order.
func (r *Registry) LLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		})
	}
	return out
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("%v", msgs)
	}
	return nil
}

var datePattern = `^\d{4}-\d{2}-\d{2}$`

func dateProperty(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"pattern":     datePattern,
		"description": desc,
	}
}

func rowLimitProperty() map[string]any {
	return map[string]any{
		"type":        "integer",
		"minimum":     1,
		"maximum":     MaxRowLimit,
		"default":     DefaultRowLimit,
		"description": fmt.Sprintf("Maximum rows to return (default %d, max %d).", DefaultRowLimit, MaxRowLimit),
	}
}

func searchConsoleDefinition() Definition {
	return Definition{
		Name: SearchConsole,
		Description: "Query Google Search Console search analytics for the client's site. " +
			"Returns clicks, impressions, CTR and average position grouped by the requested dimensions. " +
			"For period comparisons, call once per period with disjoint date ranges.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dimensions": map[string]any{
					"type":        "array",
					"minItems":    1,
					"uniqueItems": true,
					"items": map[string]any{
						"type": "string",
						"enum": []any{"query", "page", "date", "device"},
					},
					"description": "Dimensions to group by: any of query, page, date, device.",
				},
				"startDate": dateProperty("First day of the range, YYYY-MM-DD, inclusive."),
				"endDate":   dateProperty("Last day of the range, YYYY-MM-DD, inclusive."),
				"rowLimit":  rowLimitProperty(),
			},
			"required":             []any{"dimensions", "startDate", "endDate"},
			"additionalProperties": false,
		},
	}
}

func googleAnalyticsDefinition() Definition {
	return Definition{
		Name: GoogleAnalytics,
		Description: "Run a Google Analytics 4 report for the client's property. " +
			"Metrics are GA4 API names such as sessions, totalUsers, conversions, engagementRate. " +
			"Dimensions are optional GA4 API names such as date, sessionDefaultChannelGroup, pagePath.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"metrics": map[string]any{
					"type":        "array",
					"minItems":    1,
					"items":       map[string]any{"type": "string", "minLength": 1},
					"description": "GA4 metric names.",
				},
				"dimensions": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string", "minLength": 1},
					"description": "Optional GA4 dimension names.",
				},
				"startDate": dateProperty("First day of the range, YYYY-MM-DD, inclusive."),
				"endDate":   dateProperty("Last day of the range, YYYY-MM-DD, inclusive."),
				"rowLimit":  rowLimitProperty(),
			},
			"required":             []any{"metrics", "startDate", "endDate"},
			"additionalProperties": false,
		},
	}
}
