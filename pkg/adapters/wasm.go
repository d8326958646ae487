package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// WASMOptions locates the module. Module takes precedence over File.
//
// The module must export memory, allocate(size i32) i32 and
// invoke(ptr i32, len i32) i64. invoke receives the request JSON and returns
// (outPtr << 32) | outLen pointing at the response JSON. deallocate(ptr i32)
// is called for the request buffer when exported.
type WASMOptions struct {
	File   string
	Module []byte
	// MemoryLimitPages caps linear memory in 64KiB pages. Default 256.
	MemoryLimitPages uint32
}

const defaultMemoryLimitPages = 256

type wasmRequest struct {
	Action        string                 `json:"action"`
	CorrelationID string                 `json:"correlation_id"`
	Params        map[string]interface{} `json:"params"`
}

type wasmAdapter struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func (r *Registry) newWASM(ctx context.Context, spec Spec) (engine.Adapter, error) {
	opts := spec.WASM
	if opts == nil || (len(opts.Module) == 0 && opts.File == "") {
		return nil, missingOptions(KindWASM)
	}

	code := opts.Module
	if len(code) == 0 {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read wasm module: %w", err)
		}
		code = data
	}

	pages := opts.MemoryLimitPages
	if pages == 0 {
		pages = defaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}
	if err := checkExports(compiled); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	return &wasmAdapter{runtime: runtime, compiled: compiled}, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return errors.New("wasm module must export memory")
	}
	funcs := compiled.ExportedFunctions()

	alloc, ok := funcs["allocate"]
	if !ok {
		return errors.New("wasm module must export allocate")
	}
	if !sameTypes(alloc.ParamTypes(), api.ValueTypeI32) || !sameTypes(alloc.ResultTypes(), api.ValueTypeI32) {
		return errors.New("allocate must have signature (i32) -> i32")
	}

	invoke, ok := funcs["invoke"]
	if !ok {
		return errors.New("wasm module must export invoke")
	}
	if !sameTypes(invoke.ParamTypes(), api.ValueTypeI32, api.ValueTypeI32) || !sameTypes(invoke.ResultTypes(), api.ValueTypeI64) {
		return errors.New("invoke must have signature (i32, i32) -> i64")
	}
	return nil
}

func sameTypes(got []api.ValueType, want ...api.ValueType) bool {
	return bytes.Equal(got, want)
}

func (a *wasmAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	input, err := json.Marshal(wasmRequest{
		Action:        action.Name,
		CorrelationID: action.CorrelationID,
		Params:        action.Params,
	})
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to encode request", err))
	}

	output, err := a.call(ctx, input)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.FailedWith(ctxErr)
	}
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("wasm invoke failed", err))
	}

	if len(output) == 0 {
		return engine.Succeeded(map[string]interface{}{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(output, &result); err != nil {
		return engine.FailedWith(engine.NewAdapterError("wasm module returned invalid JSON", err))
	}
	if msg, ok := result["error"].(string); ok && msg != "" {
		return engine.Failed(engine.FailureAdapter, msg)
	}
	return engine.Succeeded(result)
}

// call runs invoke in a fresh instance so that calls share no memory.
func (a *wasmAdapter) call(ctx context.Context, input []byte) ([]byte, error) {
	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	defer mod.Close(context.Background())

	results, err := mod.ExportedFunction("allocate").Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("allocate failed: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 && len(input) > 0 {
		return nil, errors.New("allocate returned null pointer")
	}
	if !mod.Memory().Write(ptr, input) {
		return nil, errors.New("request does not fit in module memory")
	}

	results, err = mod.ExportedFunction("invoke").Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}

	if free := mod.ExportedFunction("deallocate"); free != nil {
		_, _ = free.Call(ctx, uint64(ptr))
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	if outLen == 0 {
		return nil, nil
	}
	view, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("response out of range: ptr=%d len=%d", outPtr, outLen)
	}
	// view aliases instance memory, which is released on Close.
	return bytes.Clone(view), nil
}

// Close releases the runtime and every instance still open.
func (a *wasmAdapter) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}
