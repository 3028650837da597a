// Package conversation persists per-session conversation history.
//
// A session (one chat window or user) owns many conversations and points at
// one current conversation. History is an ordered list of provider messages;
// entries marked _no_save never reach the store.
//
// Two backends are provided: SQLiteStore (default) and JSONLStore, an
// append-only log per session replayed on load.
package conversation
