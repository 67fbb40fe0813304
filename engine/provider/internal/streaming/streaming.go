// Package streaming provides the shared engine.Engine bookkeeping for every
// hosted-model reference adapter (anthropic, openai, bedrock): a single
// virtual engine whose "forward pass" is one already-in-flight provider
// streaming call delivering text deltas. Each adapter only supplies a
// Starter that knows how to open that call against its own SDK; this
// package does the scheduling, active/pending/finished bookkeeping, and
// per-step non-blocking drain that engine.Engine's contract requires.
package streaming

import (
	"context"
	"fmt"
	"sync"

	"github.com/aphrodite-engine/asyncserve/engine"
)

// Chunk is one delta from a provider stream. A non-nil Err ends the stream:
// the request finishes with Payload set to the error's text, matching the
// reference engines' simplified "surface the failure as a final chunk"
// contract (a production adapter would instead carry a typed error through
// a dedicated channel; see DESIGN.md).
type Chunk struct {
	Text string
	Err  error
}

// Starter opens a provider completion call for spec and returns a channel
// of Chunks. The channel must be closed once the stream ends (after sending
// a final Chunk with Err set, if it ended in error).
type Starter func(ctx context.Context, spec engine.RequestSpec) (<-chan Chunk, error)

// HealthCheck probes the provider's reachability.
type HealthCheck func(ctx context.Context) error

type requestState struct {
	spec    engine.RequestSpec
	chunks  <-chan Chunk
	started bool
}

// Engine implements engine.Engine as a single virtual engine (P=1) backed
// by a Starter. AddRequest queues a spec; Schedule starts its provider call
// on first pickup; ExecuteModelAsync performs one non-blocking drain of
// every active request's channel; ProcessModelOutputs materializes whatever
// was drained into RequestOutputs, retiring requests whose channel closed.
type Engine struct {
	start  Starter
	health HealthCheck

	mu       sync.Mutex
	pending  []*requestState
	active   map[string]*requestState
	finished []string
}

// New constructs a provider-backed reference Engine. health may be nil, in
// which case CheckHealth always succeeds.
func New(start Starter, health HealthCheck) *Engine {
	return &Engine{start: start, health: health, active: make(map[string]*requestState)}
}

// PipelineParallelSize implements engine.Engine: hosted-model adapters are
// always a single virtual engine.
func (e *Engine) PipelineParallelSize() int { return 1 }

// AddRequest implements engine.Engine.
func (e *Engine) AddRequest(_ context.Context, spec engine.RequestSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, &requestState{spec: spec})
	return nil
}

// AbortRequest implements engine.Engine. Best-effort: an in-flight provider
// call is not explicitly cancelled here (the Starter is expected to bind
// its own context.Context lifetime to the request's submit ctx), but the
// request is immediately dropped from further scheduling.
func (e *Engine) AbortRequest(_ context.Context, ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	kept := e.pending[:0]
	for _, rs := range e.pending {
		if _, drop := want[rs.spec.RequestID]; !drop {
			kept = append(kept, rs)
		}
	}
	e.pending = kept
	for id := range want {
		delete(e.active, id)
	}
}

// Schedule implements engine.Engine: every pending request moves into the
// active batch, each newly active request has its provider call started,
// and every active request gets one SeqGroupMetadata with RemainingSteps
// left at 0 (hosted providers have no multi-step decoding horizon to plan).
// A request whose provider call fails to start is retired at once (reported
// by the next GetAndResetFinishedRequestIDs) and left out of the returned
// batch.
func (e *Engine) Schedule(ctx context.Context, v int) (*engine.SchedulerOutput, error) {
	if v != 0 {
		return nil, fmt.Errorf("streaming engine: virtual engine %d out of range (P=1)", v)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rs := range e.pending {
		e.active[rs.spec.RequestID] = rs
	}
	e.pending = nil

	out := &engine.SchedulerOutput{}
	for id, rs := range e.active {
		if !rs.started {
			rs.started = true
			chunks, err := e.start(ctx, rs.spec)
			if err != nil {
				delete(e.active, id)
				e.finished = append(e.finished, id)
				continue
			}
			rs.chunks = chunks
		}
		out.SeqGroupMetadataList = append(out.SeqGroupMetadataList, &engine.SeqGroupMetadata{RequestID: id})
	}
	return out, nil
}

// draw is one step's drain result for a single request: either a live
// Chunk, or closed set true if the stream ended with nothing left to read.
type draw struct {
	chunk  Chunk
	closed bool
}

// stepPayload is the engine.SamplerOutput.Payload shape this package
// produces and consumes internally between ExecuteModelAsync and
// ProcessModelOutputs.
type stepPayload map[string]draw

// ExecuteModelAsync implements engine.Engine: one non-blocking drain of
// every named request's chunk channel. A request with nothing new to read
// this step simply contributes no entry to the payload map - it is neither
// an error nor a reason to stall the other active requests.
func (e *Engine) ExecuteModelAsync(_ context.Context, req *engine.ExecuteModelRequest) ([]*engine.SamplerOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := make(stepPayload, len(req.SeqGroupMetadataList))
	for _, md := range req.SeqGroupMetadataList {
		rs, ok := e.active[md.RequestID]
		if !ok || rs.chunks == nil {
			continue
		}
		select {
		case chunk, open := <-rs.chunks:
			if !open {
				payload[md.RequestID] = draw{closed: true}
				continue
			}
			payload[md.RequestID] = draw{chunk: chunk}
		default:
		}
	}
	return []*engine.SamplerOutput{{Payload: payload}}, nil
}

// ProcessModelOutputs implements engine.Engine: materializes whatever
// ExecuteModelAsync drained into RequestOutputs, retiring a request once
// its channel closes or its stream reports a terminal error.
func (e *Engine) ProcessModelOutputs(_ context.Context, v int, metadataList []*engine.SeqGroupMetadata, outputs []*engine.SamplerOutput) ([]engine.RequestOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var payload stepPayload
	if len(outputs) > 0 {
		payload, _ = outputs[0].Payload.(stepPayload)
	}

	results := make([]engine.RequestOutput, 0, len(metadataList))
	for _, md := range metadataList {
		if _, ok := e.active[md.RequestID]; !ok {
			continue
		}
		d, produced := payload[md.RequestID]
		if !produced {
			continue
		}

		out := engine.RequestOutput{RequestID: md.RequestID, Payload: d.chunk.Text, Finished: d.closed}
		if d.chunk.Err != nil {
			out.Payload = fmt.Sprintf("error: %v", d.chunk.Err)
			out.Finished = true
		}
		results = append(results, out)
		if out.Finished {
			delete(e.active, md.RequestID)
			e.finished = append(e.finished, md.RequestID)
		}
	}
	return results, nil
}

// HasUnfinishedRequestsForVirtualEngine implements engine.Engine.
func (e *Engine) HasUnfinishedRequestsForVirtualEngine(v int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0 || len(e.active) > 0
}

// StopWorkerExecutionLoopAsync implements engine.Engine as a no-op: there
// is no remote worker pool to quiesce, only in-flight HTTP/gRPC calls that
// keep running regardless.
func (e *Engine) StopWorkerExecutionLoopAsync(context.Context) error { return nil }

// GetAndResetFinishedRequestIDs implements engine.Engine.
func (e *Engine) GetAndResetFinishedRequestIDs(v int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.finished
	e.finished = nil
	return ids
}

// CheckHealth implements engine.Engine.
func (e *Engine) CheckHealth(ctx context.Context) error {
	if e.health == nil {
		return nil
	}
	return e.health(ctx)
}
