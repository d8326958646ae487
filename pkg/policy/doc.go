// Package policy admits or refuses actions before the orchestrator tries any
// path, using Open Policy Agent Rego policies.
//
// Each policy is a Rego module defining a deny set. Entries may be plain
// strings or objects with "message" and "severity" fields; any other fields
// end up in Violation.Details. Violations of severity error or critical
// refuse the action, lower severities are logged as warnings.
//
// # Input
//
// Policies see the following input document:
//
//	{
//	  "action": {
//	    "name": "backup.db",
//	    "correlation_id": "...",
//	    "params": {...},
//	    "params_size": 42
//	  },
//	  "context": {
//	    "timestamp": "2024-01-01T00:00:00Z",
//	    "max_params_bytes": 65536,
//	    "environment": "prod"
//	  }
//	}
//
// # Built-in policies
//
//   - action-naming: lowercase dotted identifiers of at most 128 characters
//   - params-size: encoded params must fit max_params_bytes
//   - params-keys: warns about empty or "__"-prefixed parameter keys
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithMaxParamsBytes(32<<10))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/pathrunner/policies"}); err != nil {
//	    return err
//	}
//	orch, err := engine.NewOrchestrator(paths, engine.WithAdmission(eng), ...)
//
// Custom policies must use Rego v1 syntax. A .rego file is named after its
// file and defaults to warning severity; a "# severity: error" comment in the
// leading comment block overrides that. Engine.Watch reloads custom policies
// when their files change.
package policy
