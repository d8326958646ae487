package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// StarlarkOptions locates the script. Script takes precedence over File.
// The script must define run(action, params) and return a dict or None.
type StarlarkOptions struct {
	Script string
	File   string
	// MaxSteps bounds the number of execution steps per call. Zero means
	// unbounded.
	MaxSteps uint64
}

type starlarkAdapter struct {
	name     string
	run      starlark.Callable
	maxSteps uint64
}

func (r *Registry) newStarlark(_ context.Context, spec Spec) (engine.Adapter, error) {
	opts := spec.Starlark
	if opts == nil || (opts.Script == "" && opts.File == "") {
		return nil, missingOptions(KindStarlark)
	}

	filename := spec.Name + ".star"
	src := opts.Script
	if src == "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read starlark script: %w", err)
		}
		filename = opts.File
		src = string(data)
	}

	thread := &starlark.Thread{
		Name:  "load:" + spec.Name,
		Print: func(*starlark.Thread, string) {},
	}
	globals, err := starlark.ExecFile(thread, filename, src, starlark.StringDict{
		"struct": starlarkstruct.Default,
	})
	if err != nil {
		return nil, fmt.Errorf("starlark load failed: %w", err)
	}

	run, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil, errors.New("starlark script must define run(action, params)")
	}
	// Frozen values may be shared by concurrent threads.
	globals.Freeze()

	return &starlarkAdapter{name: spec.Name, run: run, maxSteps: opts.MaxSteps}, nil
}

func (a *starlarkAdapter) Invoke(ctx context.Context, action engine.Action) engine.Outcome {
	actionVal, err := toStarlarkValue(map[string]interface{}{
		"name":           action.Name,
		"correlation_id": action.CorrelationID,
	})
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to convert action", err))
	}
	paramsVal, err := toStarlarkValue(action.Params)
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("failed to convert params", err))
	}
	if action.Params == nil {
		paramsVal = starlark.NewDict(0)
	}

	thread := &starlark.Thread{
		Name:  a.name + ":" + action.CorrelationID,
		Print: func(*starlark.Thread, string) {},
	}
	if a.maxSteps > 0 {
		thread.SetMaxExecutionSteps(a.maxSteps)
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	result, err := starlark.Call(thread, a.run, starlark.Tuple{actionVal, paramsVal}, nil)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.FailedWith(ctxErr)
	}
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("starlark run failed", err))
	}

	out, err := fromStarlarkValue(result)
	if err != nil {
		return engine.FailedWith(engine.NewAdapterError("invalid starlark result", err))
	}
	switch v := out.(type) {
	case nil:
		return engine.Succeeded(map[string]interface{}{})
	case map[string]interface{}:
		return engine.Succeeded(v)
	default:
		return engine.Succeeded(map[string]interface{}{"result": v})
	}
}

// toStarlarkValue converts a JSON-shaped Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value back to a JSON-shaped Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goVal, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goVal
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
