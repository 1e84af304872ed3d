// Package cache provides the SQLite-backed local cache store of the
// subscription engine.
//
// The store persists:
//   - Identifiers: device ID and user ID
//   - Records: the serialized user, product-group map, paywall list and the
//     pending receipt submission, each with its last-write timestamp
//   - Flags: per-feature one-shot booleans (eligibility restore done,
//     attribution submitted per provider)
//
// # Write Discipline
//
// Every write replaces the whole row (INSERT ... ON CONFLICT DO UPDATE).
// There are no partial merges, so a crash can never leave a torn entry.
// Writing the same value twice is equivalent to writing it once, except
// that TTL freshness is measured from the later write.
//
// # Database Configuration
//
//   - WAL mode
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - single connection (the engine loop is the only writer)
package cache
