// Package provider defines the LLM provider contract used by the agent loop
// and adapters for the OpenAI and Anthropic APIs.
//
// Invariants:
// - TextChatStream yields zero or more chunks (IsChunk=true) followed by one final response.
// - Tool-call slices on a Response have equal length.
// - A Request is owned by one agent run at a time.
package provider
