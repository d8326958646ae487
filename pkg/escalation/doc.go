// Package escalation provides engine.EscalationSink implementations: a
// structured-log sink, a persistent store sink, an HTTP webhook sink with
// rate limiting, a Redis stream sink, and a fan-out MultiSink that combines
// them and reports per-sink delivery results.
package escalation
