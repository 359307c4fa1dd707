// Package conclib resolves concordance queries against the concordance cache.
//
// It finds the longest reusable cached prefix of a query, waits for
// calculations running elsewhere, and runs the background workers that fill
// the cache.
package conclib

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/corpus"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
)

// Defaults of the polling contract.
const (
	DefaultWaitStep      = 100 * time.Millisecond
	DefaultPartialLimit  = 5 * time.Second
	DefaultCompleteLimit = 30 * time.Second
	DefaultTaskTimeLimit = 300 * time.Second
)

const tracerName = "concache/conclib"

// WaitPolicy holds the timing of the wait protocol and the worker progress
// loop. The n-th poll sleeps n*Step.
type WaitPolicy struct {
	Step time.Duration
	// PartialLimit bounds a wait accepting partial results (minsize >= 0).
	PartialLimit time.Duration
	// CompleteLimit bounds a wait for a complete result (minsize == -1).
	CompleteLimit time.Duration
}

// DefaultWaitPolicy returns the standard polling timing.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{
		Step:          DefaultWaitStep,
		PartialLimit:  DefaultPartialLimit,
		CompleteLimit: DefaultCompleteLimit,
	}
}

// Archive mirrors finished cache files to remote storage.
type Archive interface {
	Upload(ctx context.Context, corpname, localPath string) error
	Restore(ctx context.Context, corpname, localPath string) error
}

// Deps are the collaborators shared by the resolver, the workers and the
// controller. Caches and Engine are required.
type Deps struct {
	Caches conccache.Factory
	Engine corpus.Engine
	// Tasks dispatches workers and revokes them on cancellation. Optional for
	// the resolver; required by the asynchronous GetConc paths.
	Tasks   bgcalc.Client
	Archive Archive
	Metrics *observability.CacheMetrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Wait    WaitPolicy
	// TaskTimeLimit is the stall timeout of an unfinished calculation.
	TaskTimeLimit time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}

	def := DefaultWaitPolicy()

	if d.Wait.Step <= 0 {
		d.Wait.Step = def.Step
	}

	if d.Wait.PartialLimit <= 0 {
		d.Wait.PartialLimit = def.PartialLimit
	}

	if d.Wait.CompleteLimit <= 0 {
		d.Wait.CompleteLimit = def.CompleteLimit
	}

	if d.TaskTimeLimit <= 0 {
		d.TaskTimeLimit = DefaultTaskTimeLimit
	}

	return d
}
