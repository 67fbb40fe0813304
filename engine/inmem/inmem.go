// Package inmem provides a deterministic, single-process reference
// implementation of engine.Engine for tests and the demo binary. It is not
// a real inference engine: requests carry their own output fragments and
// the engine "executes" by replaying them back, optionally split across
// several multi-step forward passes.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aphrodite-engine/asyncserve/engine"
)

// Config tunes the simulated batched engine.
type Config struct {
	// PipelineParallelSize is P, the number of virtual engines to simulate.
	// Defaults to 1 if zero.
	PipelineParallelSize int
	// MultiStepSize, if greater than 1, spreads each scheduled batch over
	// that many forward passes before materializing outputs.
	MultiStepSize int
	// StepDelay simulates per-step execution latency; used by tests that
	// exercise the iteration watchdog.
	StepDelay time.Duration
}

type requestState struct {
	spec           engine.RequestSpec
	fragments      []string
	nextFragment   int
	remainingSteps int
}

type virtualEngineState struct {
	pending  []*requestState
	active   map[string]*requestState
	finished []string
}

// Engine is the in-memory reference engine.Engine implementation.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	ves []*virtualEngineState

	unhealthy error
}

// New constructs an in-memory engine. cfg.PipelineParallelSize defaults to
// 1 when zero or negative.
func New(cfg Config) *Engine {
	if cfg.PipelineParallelSize <= 0 {
		cfg.PipelineParallelSize = 1
	}
	e := &Engine{cfg: cfg, ves: make([]*virtualEngineState, cfg.PipelineParallelSize)}
	for i := range e.ves {
		e.ves[i] = &virtualEngineState{active: make(map[string]*requestState)}
	}
	return e
}

// SetUnhealthy makes subsequent CheckHealth calls fail with err; pass nil
// to restore health. Intended for tests.
func (e *Engine) SetUnhealthy(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unhealthy = err
}

// PipelineParallelSize implements engine.Engine.
func (e *Engine) PipelineParallelSize() int { return e.cfg.PipelineParallelSize }

// AddRequest implements engine.Engine. spec.Inputs must be a []string of
// output fragments to replay; any other type (or an empty slice) is
// rejected as a validation error, matching the "ValueError" rejection path
// an engine is allowed to take.
func (e *Engine) AddRequest(_ context.Context, spec engine.RequestSpec) error {
	fragments, ok := spec.Inputs.([]string)
	if !ok || len(fragments) == 0 {
		return fmt.Errorf("invalid request: inputs must be a non-empty []string, got %T", spec.Inputs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.assignVirtualEngine(spec.RequestID)
	e.ves[v].pending = append(e.ves[v].pending, &requestState{
		spec:      spec,
		fragments: fragments,
	})
	return nil
}

func (e *Engine) assignVirtualEngine(requestID string) int {
	if len(e.ves) == 1 {
		return 0
	}
	sum := 0
	for _, c := range requestID {
		sum += int(c)
	}
	return sum % len(e.ves)
}

// AbortRequest implements engine.Engine. Best-effort: unknown ids are
// silently ignored.
func (e *Engine) AbortRequest(_ context.Context, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, ve := range e.ves {
		kept := ve.pending[:0]
		for _, rs := range ve.pending {
			if _, drop := want[rs.spec.RequestID]; !drop {
				kept = append(kept, rs)
			}
		}
		ve.pending = kept
		for id := range want {
			delete(ve.active, id)
		}
	}
}

// Schedule implements engine.Engine: it moves every pending request for v
// into the active batch and returns one SeqGroupMetadata per active request
// (newly added and still unfinished alike), seeded with the configured
// multi-step countdown. NumLookaheadSlots carries the same countdown, so a
// multi-step batch spans MultiStepSize forward passes. The order of the
// returned batch is not defined.
func (e *Engine) Schedule(_ context.Context, v int) (*engine.SchedulerOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ve := e.ves[v]
	remaining := 0
	if e.cfg.MultiStepSize > 1 {
		remaining = e.cfg.MultiStepSize - 1
	}
	out := &engine.SchedulerOutput{NumLookaheadSlots: remaining}
	for _, rs := range ve.pending {
		ve.active[rs.spec.RequestID] = rs
	}
	ve.pending = nil
	for _, rs := range ve.active {
		rs.remainingSteps = remaining
		out.SeqGroupMetadataList = append(out.SeqGroupMetadataList, &engine.SeqGroupMetadata{
			RequestID:      rs.spec.RequestID,
			RemainingSteps: remaining,
		})
	}
	return out, nil
}

// ExecuteModelAsync implements engine.Engine: one simulated forward pass
// producing the next fragment for every active request named in req.
func (e *Engine) ExecuteModelAsync(ctx context.Context, req *engine.ExecuteModelRequest) ([]*engine.SamplerOutput, error) {
	if e.cfg.StepDelay > 0 {
		select {
		case <-time.After(e.cfg.StepDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	payload := make(map[string]string, len(req.SeqGroupMetadataList))
	tokenIDs := make([]int64, 0, len(req.SeqGroupMetadataList))
	for i, md := range req.SeqGroupMetadataList {
		rs := e.findActive(md.RequestID)
		if rs == nil {
			continue
		}
		if rs.nextFragment < len(rs.fragments) {
			payload[md.RequestID] = rs.fragments[rs.nextFragment]
		}
		tokenIDs = append(tokenIDs, int64(i))
	}
	return []*engine.SamplerOutput{{
		SampledTokenIDsCPU: tokenIDs,
		Payload:            payload,
	}}, nil
}

func (e *Engine) findActive(requestID string) *requestState {
	for _, ve := range e.ves {
		if rs, ok := ve.active[requestID]; ok {
			return rs
		}
	}
	return nil
}

// ProcessModelOutputs implements engine.Engine: materializes the fragment
// recorded by the preceding ExecuteModelAsync call into a RequestOutput per
// sequence group, advancing each request's fragment cursor and retiring it
// once its fragments are exhausted.
func (e *Engine) ProcessModelOutputs(_ context.Context, v int, metadataList []*engine.SeqGroupMetadata, outputs []*engine.SamplerOutput) ([]engine.RequestOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payload map[string]string
	if len(outputs) > 0 {
		payload, _ = outputs[0].Payload.(map[string]string)
	}

	ve := e.ves[v]
	results := make([]engine.RequestOutput, 0, len(metadataList))
	for _, md := range metadataList {
		rs, ok := ve.active[md.RequestID]
		if !ok {
			continue
		}
		fragment, produced := payload[md.RequestID]
		if !produced {
			continue
		}
		rs.nextFragment++
		finished := rs.nextFragment >= len(rs.fragments)
		results = append(results, engine.RequestOutput{
			RequestID: md.RequestID,
			Payload:   fragment,
			Finished:  finished,
		})
		if finished {
			delete(ve.active, md.RequestID)
			ve.finished = append(ve.finished, md.RequestID)
		}
	}
	return results, nil
}

// HasUnfinishedRequestsForVirtualEngine implements engine.Engine.
func (e *Engine) HasUnfinishedRequestsForVirtualEngine(v int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ve := e.ves[v]
	return len(ve.pending) > 0 || len(ve.active) > 0
}

// StopWorkerExecutionLoopAsync implements engine.Engine as a no-op; there
// are no remote workers to quiesce in-process.
func (e *Engine) StopWorkerExecutionLoopAsync(context.Context) error { return nil }

// GetAndResetFinishedRequestIDs implements engine.Engine.
func (e *Engine) GetAndResetFinishedRequestIDs(v int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ve := e.ves[v]
	ids := ve.finished
	ve.finished = nil
	return ids
}

// CheckHealth implements engine.Engine.
func (e *Engine) CheckHealth(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unhealthy
}
