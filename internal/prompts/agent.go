package prompts

// FallbackReply is persisted and streamed as the answer when the agent
// exhausts its iteration bound without the model finishing.
const FallbackReply = "I wasn't able to finish that analysis within the allowed number of steps. " +
	"Try narrowing the question, for example to a single date range or metric."

// toolStatus maps tool names to the progress line shown while they run.
var toolStatus = map[string]string{
	"query_search_console":   "Querying Search Console…",
	"query_google_analytics": "Querying Google Analytics…",
}

// ToolStatus returns the status line announced before a tool runs.
func ToolStatus(toolName string) string {
	if s, ok := toolStatus[toolName]; ok {
		return s
	}
	return "Running " + toolName + "…"
}
