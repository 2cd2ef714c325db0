// Package state holds the Nexus's authoritative view of the fabric: the
// node map and the agent map, guarded by a single readers-writer lock.
//
// The store performs no I/O. Every mutation returns the post-image of the
// changed entity together with the event describing the change; publishing
// that event is the caller's job. This split keeps the store trivially
// unit-testable and confines ordering concerns (state change visible before
// event observed) to the one caller that owns both the store and the bus.
//
// Enforced invariants:
//
//   - ids are unique across nodes and agents and immutable once assigned
//   - last_seen never regresses; stale updates return ErrStale unchanged
//   - TERMINATED is terminal; leaving it returns ErrTerminalLocked
//   - task_progress is clamped to [0,1]; entering TERMINATED clears the
//     current task and progress
//
// All returned entities are copies; callers can hold them without locks.
package state
