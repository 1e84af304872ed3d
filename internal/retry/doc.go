// Package retry implements the engine's error taxonomy and backoff policy.
//
// Every failure of a background operation (registration, receipt
// submission, attribution) is classified into one of four classes:
//
//   - Connectivity: no network path. Retried after a fixed delay and never
//     counted against the attempt cap; it is an environmental condition,
//     not a logical failure.
//   - Transient: timeouts, 5xx responses, broken redirects. The first one
//     in a streak is retried after a short delay; further consecutive
//     transient failures join the bounded track.
//   - Bounded: everything else, including validation failures. Delay grows
//     linearly with the attempt count up to MaxDelay; the operation is
//     abandoned once MaxAttempts retries have been spent.
//   - Terminal: errors marked with Terminal. Surfaced to the caller and
//     never retried.
//
// Backoff formula (bounded track): delay = min(Step * attempt, MaxDelay).
// The sequence is monotonically non-decreasing and bounded.
package retry
