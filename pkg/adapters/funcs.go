package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// StandardFuncs returns a registry holding the functions every pathrunner
// binary ships with:
//
//   - echo returns the action params as output
//   - noop succeeds with an empty output
//   - sleep waits for params.duration (a Go duration string) and succeeds
//   - fail returns an adapter failure with params.message
func StandardFuncs() *FuncRegistry {
	f := NewFuncRegistry()
	f.MustRegister("echo", engine.AdapterFunc(echoFunc))
	f.MustRegister("noop", engine.AdapterFunc(func(context.Context, engine.Action) engine.Outcome {
		return engine.Succeeded(nil)
	}))
	f.MustRegister("sleep", engine.AdapterFunc(sleepFunc))
	f.MustRegister("fail", engine.AdapterFunc(failFunc))
	return f
}

func echoFunc(_ context.Context, action engine.Action) engine.Outcome {
	out := make(map[string]interface{}, len(action.Params))
	for k, v := range action.Params {
		out[k] = v
	}
	return engine.Succeeded(out)
}

func sleepFunc(ctx context.Context, action engine.Action) engine.Outcome {
	raw, _ := action.Params["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return engine.Failed(engine.FailureAdapter, fmt.Sprintf("invalid duration %q", raw))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return engine.Succeeded(map[string]interface{}{"slept": d.String()})
	case <-ctx.Done():
		return engine.FailedWith(ctx.Err())
	}
}

func failFunc(_ context.Context, action engine.Action) engine.Outcome {
	msg, _ := action.Params["message"].(string)
	if msg == "" {
		msg = "failed on request"
	}
	return engine.Failed(engine.FailureAdapter, msg)
}
