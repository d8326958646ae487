// Package adapters builds execution paths from declarative specs.
//
// Each Spec names an adapter Kind and carries the options block for that
// kind. A Registry turns a list of specs into engine.PathDescriptors:
//
//	reg := adapters.NewRegistry(adapters.WithFuncs(funcs))
//	built, err := reg.Build(ctx, specs)
//	if err != nil {
//		return err
//	}
//	defer built.Close(ctx)
//	orch, err := engine.NewOrchestrator(built.Paths,
//		engine.WithLedger(ledger), engine.WithEscalationSink(sink))
//
// Built-in kinds:
//
//   - inprocess: a Go function registered in a FuncRegistry
//   - starlark:  a script defining run(action, params)
//   - wasm:      a WebAssembly module exporting allocate and invoke
//   - ssh:       a templated command on a remote host
//   - runner:    the micro-runner, started locally or uploaded over SFTP
//   - webhook:   an HTTP endpoint receiving the action as JSON
//
// Any spec may carry a RetryPolicy. Retries stay inside the path deadline
// and never repeat a cancelled call.
package adapters
