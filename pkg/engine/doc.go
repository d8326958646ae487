// Package engine provides the core types and the orchestrator of pathrunner.
//
// # Overview
//
// pathrunner completes named automation actions by trying a set of execution
// backends ("paths") in priority order until one succeeds. Paths that keep failing
// are excluded by a per-path circuit breaker, and an action that no path could
// complete is handed to an escalation sink for manual follow-up.
//
// # Core Domain Types
//
//   - Action: the named request with its parameters and correlation id
//   - PathDescriptor: name, priority, timeout and Adapter of one backend
//   - Outcome: typed success or failure returned by an Adapter
//   - AttemptRecord: one ledger entry per invocation
//   - EscalationRecord: produced once per action whose paths all failed
//   - HealthState: a snapshot of one path's breaker
//
// # Execution
//
// Orchestrator.Execute walks the ordered path list sequentially:
//
//	result, err := orch.Execute(ctx, engine.Action{Name: "deploy.service"})
//	switch result.Status {
//	case engine.ExecutionSucceeded:
//	    // result.Output, result.PathUsed
//	case engine.ExecutionEscalated:
//	    // result.Escalation
//	}
//
// Paths whose circuit is open are skipped. Each attempt runs under the path's
// timeout, is appended to the Ledger and is fed to the HealthTracker. The same path
// is never tried twice within one Execute call; retries are an adapter concern.
//
// # Circuit Breaking
//
// HealthTracker opens a path's circuit after FailureThreshold consecutive failures,
// or when the failure rate over a full window of WindowSize outcomes reaches
// FailureRateThreshold. After Cooldown the circuit is half-open and admits a single
// probe; its result closes or reopens the circuit. Cancelled attempts do not count.
//
// # Error Classification
//
// Failures are classified by FailureKind:
//
//   - timeout, adapter_error, cancelled: per-attempt failures kept in the ledger
//   - all_paths_exhausted: reported by Result.Err for escalated results
//   - escalation_delivery_failed: the sink did not acknowledge a record
//   - config_invalid, rejected: returned directly by NewOrchestrator and Execute
//
//	if engine.IsCancelled(err) {
//	    // caller gave up
//	}
//
// # Thread Safety
//
// Orchestrator and HealthTracker are safe for concurrent use. Reconfigure swaps the
// path list atomically; executions already running finish on the list they started with.
package engine
