// Package state is the shared session-state store used by both the gateway
// and the worker process.
//
// Records are keyed by session id and carry a monotonically increasing
// version: every successful UpdateSession bumps it by exactly 1, and updates
// to a missing record fail rather than creating one.
//
// Two interchangeable backends implement the Store interface:
//
//   - LocalStore: an in-process map for single-process deployments. Writes to
//     one session are serialized by a per-key mutex and subscribers are
//     notified synchronously in write order.
//   - NATSStore: a JetStream key-value bucket for horizontally scaled
//     deployments. UpdateSession is a compare-and-swap loop on the KV
//     revision, and each write is published on a per-session subject so every
//     process re-delivers it to its local subscribers.
//
// The backend is chosen once, at construction, from configuration.
package state
