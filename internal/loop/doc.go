// Package loop implements the single logical execution context of the
// subscription engine.
//
// ARCHITECTURE:
//
// Single-Writer Task Loop:
// Every state transition, cache read/write and callback invocation runs as a
// task on one goroutine, in FIFO order. This ensures:
// - No two mutations of the user record, readiness gates or retry counters
// ever interleave
// - Callback ordering is the submission ordering
// - Components need no locks of their own
//
// Out-of-line work:
// Network round-trips and store-adapter waits are the only operations that
// leave the loop. Loop.Go runs the work elsewhere and posts its continuation
// back, so completions always touch shared state from the loop.
//
// Timers:
// Retry delays are scheduled through Timers. The real implementation posts
// fired callbacks onto the loop; Slot enforces one outstanding timer per
// logical operation.
package loop
