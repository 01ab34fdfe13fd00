// Package transport implements the tagged-messaging engine the rpc
// subsystem is built on. It exposes a small, callback-driven API over TCP:
//
//   - Context: per-process transport state, created with a feature set.
//   - Worker: owns the tag-matching state (posted receives, unexpected
//     frames) and a completion queue drained by Progress().
//   - Endpoint: one bidirectional peer connection, dialed or accepted.
//   - Listener: accepts inbound connections and hands the resulting
//     endpoints to an accept callback.
//
// Sends and receives are posted with a tag; an inbound frame matches the
// first posted receive whose tag agrees under the receive's mask, and
// unmatched frames are parked until a matching receive is posted.
// Completion callbacks do not fire on the goroutine that posted the
// operation: they are queued and invoked by whoever calls
// Worker.Progress(). Callers that poll Progress() under a lock must not
// touch that lock from inside a completion callback; such work has to be
// handed to a fresh goroutine.
package transport
