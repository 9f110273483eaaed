// Package session provides lifecycle, admission, and streaming coordination
// for generation sessions. It is structured into small files by concern:
//
//   - registry.go: Registry (model handles, session table, KV byte budget,
//     LRU idle eviction, drain on Close) and its Config.
//   - session.go: Session state machine and decode loop
//     (created -> tokenizing -> decoding -> completed|cancelled|failed).
//   - stream.go: bounded per-session event stream with drop-oldest
//     backpressure; the terminal event is always delivered.
//
// Concurrency model: each session's decode loop runs on one goroutine and
// exclusively owns its KVCache; the registry mutex only guards the shared
// tables, and cache byte accounting is atomic so a session's terminal
// transition never needs the registry lock. Cancellation is cooperative and
// observed at decode step boundaries.
//
// External packages should treat this package as the orchestration layer and
// use public methods only (NewRegistry, LoadModel, CreateSession, Generate,
// Cancel, Status). Internal types are subject to change.
package session
