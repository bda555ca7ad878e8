// Package prompts contains the instruction text sent to the model and the
// fixed user-facing strings the agent emits on its own.
//
// Prompt text is Go code rather than config files because it is program
// logic: it interpolates client data on every request and is validated by
// tests. Each prompt category gets its own file with an exported function
// that accepts the dynamic parts and returns the finished string.
package prompts
