package engine_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

type printLedger struct{ records []engine.AttemptRecord }

func (l *printLedger) Append(ctx context.Context, r engine.AttemptRecord) error {
	l.records = append(l.records, r)
	return nil
}

func (l *printLedger) Query(ctx context.Context, id string) ([]engine.AttemptRecord, error) {
	return l.records, nil
}

// Example_fallback shows an action falling through a failing API path to a script path.
func Example_fallback() {
	api := engine.AdapterFunc(func(ctx context.Context, a engine.Action) engine.Outcome {
		return engine.FailedWith(errors.New("503 service unavailable"))
	})
	script := engine.AdapterFunc(func(ctx context.Context, a engine.Action) engine.Outcome {
		return engine.Succeeded(map[string]interface{}{"restarted": a.Params["service"]})
	})

	ledger := &printLedger{}
	orch, err := engine.NewOrchestrator(
		[]engine.PathDescriptor{
			{Name: "script", Priority: 20, Timeout: time.Second, Adapter: script},
			{Name: "api", Priority: 10, Timeout: time.Second, Adapter: api},
		},
		engine.WithLedger(ledger),
		engine.WithEscalationSink(engine.EscalationSinkFunc(func(context.Context, engine.EscalationRecord) error {
			return nil
		})),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	result, _ := orch.Execute(context.Background(), engine.Action{
		Name:   "service.restart",
		Params: map[string]interface{}{"service": "nginx"},
	})

	fmt.Println(result.Status, result.PathUsed, result.Output["restarted"])
	for _, r := range ledger.records {
		if r.Outcome.IsSuccess() {
			fmt.Println(r.PathName, r.Outcome.Status)
			continue
		}
		fmt.Println(r.PathName, r.Outcome.Status, r.Outcome.Kind)
	}
	// Output:
	// succeeded script nginx
	// api failure adapter_error
	// script success
}
