// Package loop implements EngineLoop, the background supervisor that
// drives StepScheduler continuously across every virtual engine, routes
// outputs through the RequestTracker, and surfaces fatal conditions.
package loop

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/step"
	"github.com/aphrodite-engine/asyncserve/telemetry"
	"github.com/aphrodite-engine/asyncserve/tracker"
)

// Options configures a Loop.
type Options struct {
	// IterationTimeout bounds a single wait-for-any-in-flight-step cycle.
	// Defaults to 60 seconds, matching ENGINE_ITERATION_TIMEOUT_S.
	IterationTimeout time.Duration
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
}

// Loop drives the engine loop body described in the component design: idle
// wait, active iteration with a per-iteration watchdog, post-completion
// respawn decisions, and output routing.
type Loop struct {
	eng       engine.Engine
	tracker   *tracker.Tracker
	scheduler *step.Scheduler
	timeout   time.Duration
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// New constructs a Loop. eng, tr, and sched must agree on the same
// pipeline_parallel_size (sched was built from eng, so this holds as long
// as callers don't mix engines).
func New(eng engine.Engine, tr *tracker.Tracker, sched *step.Scheduler, opts Options) *Loop {
	if opts.IterationTimeout <= 0 {
		opts.IterationTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Loop{eng: eng, tracker: tr, scheduler: sched, timeout: opts.IterationTimeout, logger: opts.Logger, metrics: opts.Metrics}
}

type stepResult struct {
	v          int
	outputs    []engine.RequestOutput
	inProgress bool
	err        error
}

// Run drives the loop until ctx is cancelled (graceful shutdown, returns
// nil) or a fatal error occurs (the error is both returned and already
// propagated to every live stream via the tracker). Run must be invoked
// from exactly one goroutine at a time; the caller (the supervisor) owns
// that invariant.
func (l *Loop) Run(ctx context.Context) error {
	p := l.eng.PipelineParallelSize()
	hasWork := make([]bool, p)
	inFlight := make([]bool, p)
	results := make(chan stepResult, p)

	spawn := func(v int) {
		if inFlight[v] {
			panic(fmt.Sprintf("engine loop: virtual engine %d already has an in-flight step", v))
		}
		inFlight[v] = true
		hasWork[v] = true
		go func(v int) {
			outputs, inProgress, err := l.scheduler.Step(ctx, v)
			select {
			case results <- stepResult{v: v, outputs: outputs, inProgress: inProgress, err: err}:
			case <-ctx.Done():
			}
		}(v)
	}

	for {
		if ctx.Err() != nil {
			l.logger.Info(ctx, "engine loop cancelled, shutting down gracefully")
			return nil
		}

		anyWork := false
		for _, w := range hasWork {
			if w {
				anyWork = true
				break
			}
		}

		if !anyWork {
			if err := l.eng.StopWorkerExecutionLoopAsync(ctx); err != nil {
				l.logger.Warn(ctx, "stop_worker_execution_loop_async failed", "error", err)
			}
			if err := l.tracker.AwaitNew(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			l.drainAndDispatch(ctx)
			for v := 0; v < p; v++ {
				spawn(v)
			}
			continue
		}

		timer := time.NewTimer(l.timeout)
		select {
		case res := <-results:
			timer.Stop()
			inFlight[res.v] = false

			if res.err != nil {
				l.tracker.PropagateError(res.err, "")
				l.logger.Error(ctx, "fatal step failure, shutting down loop", "virtual_engine", res.v, "error", res.err)
				return res.err
			}

			for _, out := range res.outputs {
				l.tracker.RouteOutput(out)
			}
			l.metrics.IncCounter("asyncserve.step.completed", 1, "virtual_engine", fmt.Sprint(res.v))

			// Drain again before the respawn decision so submissions
			// interleave promptly, per the component design.
			l.drainAndDispatch(ctx)

			if res.inProgress || l.eng.HasUnfinishedRequestsForVirtualEngine(res.v) {
				spawn(res.v)
			} else {
				hasWork[res.v] = false
			}

			// Deliberate fairness yield, one per completed stage, kept
			// outside the watchdog's timer scope.
			runtime.Gosched()

		case <-timer.C:
			err := errs.New(errs.KindIterationTimeout, "", fmt.Errorf("iteration exceeded %s", l.timeout))
			l.tracker.PropagateError(err, "")
			l.logger.Error(ctx, "iteration watchdog fired, shutting down loop", "timeout", l.timeout)
			return err

		case <-ctx.Done():
			timer.Stop()
			l.logger.Info(ctx, "engine loop cancelled, shutting down gracefully")
			return nil
		}
	}
}

// drainAndDispatch atomically pulls everything queued in the tracker and
// hands new specs to the engine sequentially; a rejected spec is routed as
// RequestValidation to its own stream without aborting the loop. Aborted
// ids that the engine actually saw are forwarded to AbortRequest.
func (l *Loop) drainAndDispatch(ctx context.Context) {
	specs, abortedForEngine := l.tracker.Drain()
	for _, spec := range specs {
		if err := l.eng.AddRequest(ctx, spec); err != nil {
			l.tracker.RouteError(spec.RequestID, errs.New(errs.KindRequestValidation, spec.RequestID, err))
		}
	}
	if len(abortedForEngine) > 0 {
		l.eng.AbortRequest(ctx, abortedForEngine)
	}
}
