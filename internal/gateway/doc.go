// Package gateway composes the control plane: the per-message router with
// its pairing and approval state machine, the legacy simple-message entry
// point, and the operator HTTP API.
//
// A message flows: channel adapter -> Router.HandleMessage -> admission gate
// -> pending-approval tracker -> worker client -> audit log -> response.
// Unpaired senders get a pairing code and never reach the worker. When the
// worker interrupts for approval, the router tracks exactly one pending
// interrupt per session and interprets the next message as the decision.
package gateway
