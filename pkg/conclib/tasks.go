package conclib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
)

// Task names.
const (
	TaskConcCalculate     = "conc_calculate"
	TaskConcSyncCalculate = "conc_sync_calculate"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// TaskOutcome is the result of a calculation task. Worker failures are
// reported here; the task itself completes normally.
type TaskOutcome struct {
	Error string `json:"error,omitempty"`
}

// RegisterTasks registers the calculation workers on app.
func RegisterTasks(app *bgcalc.LocalApp, deps Deps) {
	deps = deps.withDefaults()

	app.Register(TaskConcCalculate, func(ctx context.Context, taskID string, raw json.RawMessage) (any, error) {
		var args CalcArgs

		err := json.Unmarshal(raw, &args)
		if err != nil {
			return nil, fmt.Errorf("decode %s args: %w", TaskConcCalculate, err)
		}

		return runTracked(ctx, deps, TaskConcCalculate, func() error {
			return NewConcCalculation(deps, taskID).Run(ctx, args)
		}), nil
	})

	app.Register(TaskConcSyncCalculate, func(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
		var args SyncArgs

		err := json.Unmarshal(raw, &args)
		if err != nil {
			return nil, fmt.Errorf("decode %s args: %w", TaskConcSyncCalculate, err)
		}

		return runTracked(ctx, deps, TaskConcSyncCalculate, func() error {
			return NewSyncCalculation(deps).Run(ctx, args)
		}), nil
	})
}

func runTracked(ctx context.Context, deps Deps, worker string, run func() error) TaskOutcome {
	done := deps.Metrics.TrackWorker(ctx, worker)
	defer done()

	err := run()
	if err != nil {
		deps.Metrics.RecordWorkerRun(ctx, worker, outcomeError)

		return TaskOutcome{Error: err.Error()}
	}

	deps.Metrics.RecordWorkerRun(ctx, worker, outcomeOK)

	return TaskOutcome{}
}
