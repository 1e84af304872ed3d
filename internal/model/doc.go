// Package model defines the entities the subscription engine synchronizes:
// the user record with its subscriptions and non-renewing purchases, the
// backend product-group map, paywalls and store catalog metadata, and the
// attribution payload union.
//
// # Entitlement rules
//
// Subscription.IsActive is derived from Status alone. Expiry timestamps are
// informational: device clocks are not trusted to gate access.
//
// # Signatures
//
// Each entitlement entity has a compact signature (see signature.go): a
// domain-separated SHA-256 over canonical JSON of the fields whose change
// the host application must observe. Diffing signatures avoids redundant
// update notifications for unrelated field churn.
package model
