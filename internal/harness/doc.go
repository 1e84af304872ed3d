// Package harness runs scripted end-to-end scenarios against the engine.
//
// A scenario scripts the backend replies and the store, then issues a
// sequence of public calls. The engine runs on a manually stepped loop with
// virtual timers and an inline spawner, so every run produces the same
// trace: backend requests, listener notifications and call results in
// execution order.
//
// Traces are compared against golden files and checked by declarative
// assertions (request counts and order, retry delays, gate state).
package harness
