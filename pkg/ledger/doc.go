// Package ledger provides the append-only attempt ledger used by the orchestrator,
// with a subscription feed keyed by correlation id and path name and an optional
// durable mirror.
package ledger
