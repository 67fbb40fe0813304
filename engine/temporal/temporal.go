// Package temporal implements a durable, remote-actor engine.Engine adapter
// backed by Temporal workflows: instead of calling schedule/execute/process
// against an in-process or directly-dialed executor, each call executes a
// short-lived Temporal workflow (implemented by a worker running elsewhere)
// and waits for its result, getting Temporal's retry policy and workflow
// history for free on every step.
package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"

	"github.com/aphrodite-engine/asyncserve/engine"
)

// Workflow type names the corresponding Temporal worker must register. Each
// one wraps exactly one of the engine.Engine RPC-shaped calls.
const (
	WorkflowAddRequest            = "EngineAddRequest"
	WorkflowAbortRequest          = "EngineAbortRequest"
	WorkflowSchedule              = "EngineSchedule"
	WorkflowExecuteModel          = "EngineExecuteModel"
	WorkflowProcessModelOutputs   = "EngineProcessModelOutputs"
	WorkflowHasUnfinishedRequests = "EngineHasUnfinishedRequests"
	WorkflowStopWorkerLoop        = "EngineStopWorkerLoop"
	WorkflowGetAndResetFinished   = "EngineGetAndResetFinished"
	WorkflowCheckHealth           = "EngineCheckHealth"
)

// Options configures a Temporal-backed Engine.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client
	// TaskQueue is the queue every step workflow is submitted to. Required.
	TaskQueue string
	// PipelineParallelSize is P, reported unchanged (this adapter does not
	// query it dynamically; the remote worker owns the real value).
	PipelineParallelSize int
	// DisableTracing skips installing the OTEL tracing interceptor on
	// workflow start calls.
	DisableTracing bool
}

// Engine implements engine.Engine by executing one short-lived Temporal
// workflow per call against a worker that owns the real scheduling and
// execution logic.
type Engine struct {
	client    client.Client
	taskQueue string
	pp        int
}

// New constructs a Temporal-backed Engine. opts.Client and opts.TaskQueue are
// required.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal engine: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	pp := opts.PipelineParallelSize
	if pp <= 0 {
		pp = 1
	}
	return &Engine{client: opts.Client, taskQueue: opts.TaskQueue, pp: pp}, nil
}

// PipelineParallelSize implements engine.Engine.
func (e *Engine) PipelineParallelSize() int { return e.pp }

type addRequestInput struct {
	RequestID   string             `json:"request_id"`
	ArrivalTime int64              `json:"arrival_time"`
	Inputs      any                `json:"inputs"`
	Params      any                `json:"params"`
	Adapter     *engine.AdapterRef `json:"adapter,omitempty"`
}

// AddRequest implements engine.Engine via the EngineAddRequest workflow.
func (e *Engine) AddRequest(ctx context.Context, spec engine.RequestSpec) error {
	input := addRequestInput{
		RequestID:   spec.RequestID,
		ArrivalTime: spec.ArrivalTime.UnixNano(),
		Inputs:      spec.Inputs,
		Params:      spec.Params,
		Adapter:     spec.Adapter,
	}
	return e.runWorkflow(ctx, WorkflowAddRequest, "add-request-"+spec.RequestID, input, nil)
}

// AbortRequest implements engine.Engine via the EngineAbortRequest workflow.
// Best-effort: any error is swallowed, matching the interface's "never
// errors" contract.
func (e *Engine) AbortRequest(ctx context.Context, ids []string) {
	_ = e.runWorkflow(ctx, WorkflowAbortRequest, "", ids, nil)
}

// Schedule implements engine.Engine via the EngineSchedule workflow.
func (e *Engine) Schedule(ctx context.Context, v int) (*engine.SchedulerOutput, error) {
	var out engine.SchedulerOutput
	if err := e.runWorkflow(ctx, WorkflowSchedule, "", v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteModelAsync implements engine.Engine via the EngineExecuteModel
// workflow.
func (e *Engine) ExecuteModelAsync(ctx context.Context, req *engine.ExecuteModelRequest) ([]*engine.SamplerOutput, error) {
	var outputs []*engine.SamplerOutput
	if err := e.runWorkflow(ctx, WorkflowExecuteModel, "", req, &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

type processOutputsInput struct {
	VirtualEngine int                        `json:"virtual_engine"`
	MetadataList  []*engine.SeqGroupMetadata `json:"metadata_list"`
	Outputs       []*engine.SamplerOutput    `json:"outputs"`
}

// ProcessModelOutputs implements engine.Engine via the
// EngineProcessModelOutputs workflow.
func (e *Engine) ProcessModelOutputs(ctx context.Context, v int, metadataList []*engine.SeqGroupMetadata, outputs []*engine.SamplerOutput) ([]engine.RequestOutput, error) {
	input := processOutputsInput{VirtualEngine: v, MetadataList: metadataList, Outputs: outputs}
	var results []engine.RequestOutput
	if err := e.runWorkflow(ctx, WorkflowProcessModelOutputs, "", input, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// HasUnfinishedRequestsForVirtualEngine implements engine.Engine. A
// transport or workflow error is treated as "no unfinished requests" rather
// than propagated, matching the interface's non-error-returning signature.
func (e *Engine) HasUnfinishedRequestsForVirtualEngine(v int) bool {
	var has bool
	if err := e.runWorkflow(context.Background(), WorkflowHasUnfinishedRequests, "", v, &has); err != nil {
		return false
	}
	return has
}

// StopWorkerExecutionLoopAsync implements engine.Engine.
func (e *Engine) StopWorkerExecutionLoopAsync(ctx context.Context) error {
	return e.runWorkflow(ctx, WorkflowStopWorkerLoop, "", nil, nil)
}

// GetAndResetFinishedRequestIDs implements engine.Engine.
func (e *Engine) GetAndResetFinishedRequestIDs(v int) []string {
	var ids []string
	if err := e.runWorkflow(context.Background(), WorkflowGetAndResetFinished, "", v, &ids); err != nil {
		return nil
	}
	return ids
}

// CheckHealth implements engine.Engine via the EngineCheckHealth workflow.
func (e *Engine) CheckHealth(ctx context.Context) error {
	return e.runWorkflow(ctx, WorkflowCheckHealth, "", nil, nil)
}

// runWorkflow starts workflowType on e.taskQueue with the given input and
// blocks until it completes, decoding its return value into result when
// result is non-nil. A non-empty id makes
// the call idempotent under Temporal's workflow-id-reuse rules (a retried
// AddRequest for the same request id joins the existing execution instead
// of starting a duplicate); an empty id lets Temporal assign one, which is
// the right choice for calls with no natural dedup key.
func (e *Engine) runWorkflow(ctx context.Context, workflowType, id string, input any, result any) error {
	opts := client.StartWorkflowOptions{TaskQueue: e.taskQueue}
	if id != "" {
		opts.ID = id
		opts.WorkflowIDReusePolicy = 0
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowType, input)
	if err != nil {
		return fmt.Errorf("temporal engine: start %s: %w", workflowType, err)
	}
	if result == nil {
		return run.Get(ctx, nil)
	}
	if err := run.Get(ctx, result); err != nil {
		return fmt.Errorf("temporal engine: %s result: %w", workflowType, err)
	}
	return nil
}

// ClientOptionsWithTracing returns client.Options with the Temporal OTEL
// tracing interceptor installed, unless disabled - the same instrumentation
// wiring the teacher's own Temporal adapter applies to its client.
func ClientOptionsWithTracing(base client.Options, disableTracing bool) (client.Options, error) {
	if disableTracing {
		return base, nil
	}
	tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return base, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
	}
	base.Interceptors = append(base.Interceptors, tracer)
	return base, nil
}
