// Package engine defines the narrow contract the core consumes from the
// batched execution engine: scheduling, model execution, and output
// materialization, per virtual engine (pipeline-parallel stage). The core
// never inspects model weights, KV-cache blocks, or tokenization; it only
// calls these methods and interprets the small set of fields needed to
// drive multi-step decoding and pipeline-parallel token forwarding.
//
// Concrete implementations live in subpackages: inmem (single-process
// reference engine), temporal (durable remote-actor adapter), remote
// (gRPC executor adapter), and provider/{anthropic,openai,bedrock}
// (hosted-model reference adapters).
package engine

import (
	"context"
	"time"
)

// RequestSpec is the opaque payload needed to begin one request: prompt
// and sampling/pooling parameters are left as `any` because the core never
// interprets them, only forwards them to Engine.AddRequest.
type RequestSpec struct {
	RequestID   string
	Inputs      any
	Params      any
	ArrivalTime time.Time
	Adapter     *AdapterRef
}

// AdapterRef names an optional adapter (e.g. a LoRA handle) a request may
// reference. A request naming an adapter the supervisor isn't configured
// to serve (see supervisor.Options.EnabledAdapters) is rejected
// synchronously from Submit with AdapterDisabled, before this reference
// ever reaches an Engine.
type AdapterRef struct {
	Name string
}

// BlockMapping is one KV-cache block move or copy instruction, opaque to
// the core beyond being something to forward verbatim to ExecuteModelAsync.
type BlockMapping struct {
	Src int
	Dst int
}

// SeqGroupMetadata describes one sequence group's scheduling state for a
// step. RemainingSteps is the multi-step decoding countdown shared by every
// metadata entry produced together; FinishStep decrements it once a step
// completes.
type SeqGroupMetadata struct {
	RequestID      string
	RemainingSteps int
}

// FinishStep decrements the multi-step countdown. It is a no-op once the
// countdown has reached zero.
func (m *SeqGroupMetadata) FinishStep() {
	if m.RemainingSteps > 0 {
		m.RemainingSteps--
	}
}

// SchedulerOutput is the result of one Schedule call for a virtual engine:
// which sequence groups to run this step, which KV-cache blocks to move,
// and how many lookahead slots (multi-step planning horizon) were granted.
type SchedulerOutput struct {
	SeqGroupMetadataList []*SeqGroupMetadata
	BlocksToSwapIn       []BlockMapping
	BlocksToSwapOut      []BlockMapping
	BlocksToCopy         []BlockMapping
	NumLookaheadSlots    int
	RunningQueueSize     int
}

// IsEmpty reports whether the scheduler produced no work this step.
func (o *SchedulerOutput) IsEmpty() bool {
	return o == nil || len(o.SeqGroupMetadataList) == 0
}

// ExecuteModelRequest is what StepScheduler hands to ExecuteModelAsync: the
// scheduling decision plus bookkeeping the engine needs (finished ids to
// drop from its own state, and sampled tokens forwarded from the previous
// pipeline stage under multi-step + PP).
type ExecuteModelRequest struct {
	SeqGroupMetadataList []*SeqGroupMetadata
	BlocksToSwapIn       []BlockMapping
	BlocksToSwapOut      []BlockMapping
	BlocksToCopy         []BlockMapping
	NumLookaheadSlots    int
	RunningQueueSize     int
	FinishedRequestsIDs  []string
	LastSampledTokenIDs  []int64
}

// SamplerOutput is one raw forward-pass result. Exactly one of
// SampledTokenIDsCPU or SampledTokenIDs is populated for an output that is
// eligible for multi-step/PP token forwarding: CPU-resident tokens can be
// cached and forwarded cheaply; device-resident tokens cannot, and an
// output carrying both is an engine contract violation the scheduler
// asserts against.
type SamplerOutput struct {
	SampledTokenIDsCPU []int64
	SampledTokenIDs    []int64
	Payload            any
}

// RequestOutput is one materialized incremental output ready for routing
// to the request's stream.
type RequestOutput struct {
	RequestID string
	Payload   any
	Finished  bool
}

// Engine is the interface the core drives. Every method may be called
// concurrently with itself only to the extent the implementation chooses;
// the core serializes all calls through a single StepScheduler per virtual
// engine (per spec: at most one in-flight step task per v).
type Engine interface {
	// PipelineParallelSize returns P, the number of virtual engines (pipeline
	// stages) the core must drive independently.
	PipelineParallelSize() int

	// AddRequest accepts or rejects a newly-drained request spec. A
	// rejection is routed to the spec's own stream as RequestValidation and
	// never aborts the loop.
	AddRequest(ctx context.Context, spec RequestSpec) error

	// AbortRequest is a best-effort cancellation of the given ids; it never
	// errors.
	AbortRequest(ctx context.Context, ids []string)

	// Schedule produces the next scheduling decision for virtual engine v.
	Schedule(ctx context.Context, v int) (*SchedulerOutput, error)

	// ExecuteModelAsync performs one forward pass (or micro-batch) for the
	// given request.
	ExecuteModelAsync(ctx context.Context, req *ExecuteModelRequest) ([]*SamplerOutput, error)

	// ProcessModelOutputs materializes per-request incremental outputs from
	// raw sampler outputs for virtual engine v.
	ProcessModelOutputs(ctx context.Context, v int, metadataList []*SeqGroupMetadata, outputs []*SamplerOutput) ([]RequestOutput, error)

	// HasUnfinishedRequestsForVirtualEngine reports whether v still has
	// pending work after the current step.
	HasUnfinishedRequestsForVirtualEngine(v int) bool

	// StopWorkerExecutionLoopAsync quiesces remote workers while the loop is
	// idle (no virtual engine has work).
	StopWorkerExecutionLoopAsync(ctx context.Context) error

	// GetAndResetFinishedRequestIDs drains and clears the set of request ids
	// virtual engine v has finished since the last call.
	GetAndResetFinishedRequestIDs(v int) []string

	// CheckHealth probes engine liveness.
	CheckHealth(ctx context.Context) error
}

// MultiStepConfig reports whether multi-step decoding is enabled. Whether
// the deployment is pipeline-parallel (P > 1) is reported separately by
// Engine.PipelineParallelSize; together they gate whether sampled-token
// caching/forwarding applies at all (see StepScheduler step 3-4).
type MultiStepConfig interface {
	MultiStepEnabled() bool
}
