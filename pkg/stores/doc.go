// Package stores provides the durable persistence layer for pathrunner.
// It includes a SQLite-based store with WAL mode, embedded migrations,
// and operations for attempt records, escalation records with their
// acknowledgement state, and audit logs.
//
// SQLiteStore implements ledger.Persister through SaveAttempt, so it can
// back the in-memory ledger and be replayed into the health tracker at
// startup.
package stores
