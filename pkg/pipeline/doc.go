// Package pipeline turns inbound chat messages into agent runs.
//
// A Scheduler serializes messages per session on a commandqueue lane and
// hands each one to a Pipeline. The Pipeline runs its stages in order:
// SessionStatusStage drops messages for disabled sessions, LLMRequestStage
// builds a provider request from the conversation history and drives the
// agent through RunLoop. The final assistant reply is persisted once per turn.
package pipeline
