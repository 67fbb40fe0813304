// Package remote implements a thin gRPC adapter over engine.Engine for a
// non-durable, out-of-process executor. Opaque request/response payloads
// are carried as protobuf anypb.Any wrapping a JSON-encoded byte blob, so
// the wire format never needs a bespoke codec generated from this
// package's own .proto; check_health delegates to the standard gRPC
// health-checking protocol.
package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aphrodite-engine/asyncserve/engine"
)

// Config configures a remote Engine.
type Config struct {
	// PipelineParallelSize is P, forwarded unchanged from the remote
	// executor's own reported configuration (this adapter does not query
	// it dynamically; callers set it once at construction).
	PipelineParallelSize int
	// HealthService is the gRPC health service name the remote executor
	// registers under. Empty means "the server's overall status".
	HealthService string
}

// Engine is a gRPC client adapter implementing engine.Engine by invoking a
// fixed set of RPC methods on conn. Request/response bodies are carried as
// *structpb.Struct - a schema-less protobuf message - wrapping an
// anypb.Any-boxed JSON payload for the opaque spec/sampler fields the core
// never interprets.
type Engine struct {
	cfg    Config
	conn   grpc.ClientConnInterface
	health grpc_health_v1.HealthClient
}

// New constructs a remote Engine over an already-dialed conn.
func New(conn grpc.ClientConnInterface, cfg Config) *Engine {
	if cfg.PipelineParallelSize <= 0 {
		cfg.PipelineParallelSize = 1
	}
	return &Engine{cfg: cfg, conn: conn, health: grpc_health_v1.NewHealthClient(conn)}
}

// PipelineParallelSize implements engine.Engine.
func (e *Engine) PipelineParallelSize() int { return e.cfg.PipelineParallelSize }

// AddRequest implements engine.Engine via the AddRequest RPC.
func (e *Engine) AddRequest(ctx context.Context, spec engine.RequestSpec) error {
	req, err := specToStruct(spec)
	if err != nil {
		return fmt.Errorf("remote: encode request spec: %w", err)
	}
	resp := &structpb.Struct{}
	return e.invoke(ctx, "AddRequest", req, resp)
}

// AbortRequest implements engine.Engine via the AbortRequest RPC.
// Best-effort: any transport error is swallowed, matching the interface's
// "never errors" contract.
func (e *Engine) AbortRequest(ctx context.Context, ids []string) {
	req, err := anyStruct(ids)
	if err != nil {
		return
	}
	_ = e.invoke(ctx, "AbortRequest", req, &structpb.Struct{})
}

// Schedule implements engine.Engine via the Schedule RPC.
func (e *Engine) Schedule(ctx context.Context, v int) (*engine.SchedulerOutput, error) {
	req := virtualEngineStruct(v)
	resp := &structpb.Struct{}
	if err := e.invoke(ctx, "Schedule", req, resp); err != nil {
		return nil, err
	}
	var out engine.SchedulerOutput
	if err := unpackAny(resp, &out); err != nil {
		return nil, fmt.Errorf("remote: decode scheduler output: %w", err)
	}
	return &out, nil
}

// ExecuteModelAsync implements engine.Engine via the ExecuteModel RPC.
func (e *Engine) ExecuteModelAsync(ctx context.Context, execReq *engine.ExecuteModelRequest) ([]*engine.SamplerOutput, error) {
	req, err := anyStruct(execReq)
	if err != nil {
		return nil, fmt.Errorf("remote: encode execute_model request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := e.invoke(ctx, "ExecuteModel", req, resp); err != nil {
		return nil, err
	}
	var outputs []*engine.SamplerOutput
	if err := unpackAny(resp, &outputs); err != nil {
		return nil, fmt.Errorf("remote: decode sampler outputs: %w", err)
	}
	return outputs, nil
}

// ProcessModelOutputs implements engine.Engine via the ProcessModelOutputs
// RPC.
func (e *Engine) ProcessModelOutputs(ctx context.Context, v int, metadataList []*engine.SeqGroupMetadata, outputs []*engine.SamplerOutput) ([]engine.RequestOutput, error) {
	req, err := anyStruct(struct {
		VirtualEngine int                        `json:"virtual_engine"`
		MetadataList  []*engine.SeqGroupMetadata `json:"metadata_list"`
		Outputs       []*engine.SamplerOutput    `json:"outputs"`
	}{v, metadataList, outputs})
	if err != nil {
		return nil, fmt.Errorf("remote: encode process_model_outputs request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := e.invoke(ctx, "ProcessModelOutputs", req, resp); err != nil {
		return nil, err
	}
	var results []engine.RequestOutput
	if err := unpackAny(resp, &results); err != nil {
		return nil, fmt.Errorf("remote: decode request outputs: %w", err)
	}
	return results, nil
}

// HasUnfinishedRequestsForVirtualEngine implements engine.Engine.
func (e *Engine) HasUnfinishedRequestsForVirtualEngine(v int) bool {
	req := virtualEngineStruct(v)
	resp := &structpb.Struct{}
	if err := e.invoke(context.Background(), "HasUnfinishedRequests", req, resp); err != nil {
		return false
	}
	return resp.Fields["has_unfinished"].GetBoolValue()
}

// StopWorkerExecutionLoopAsync implements engine.Engine.
func (e *Engine) StopWorkerExecutionLoopAsync(ctx context.Context) error {
	return e.invoke(ctx, "StopWorkerExecutionLoop", &structpb.Struct{}, &structpb.Struct{})
}

// GetAndResetFinishedRequestIDs implements engine.Engine.
func (e *Engine) GetAndResetFinishedRequestIDs(v int) []string {
	req := virtualEngineStruct(v)
	resp := &structpb.Struct{}
	if err := e.invoke(context.Background(), "GetAndResetFinishedRequestIDs", req, resp); err != nil {
		return nil
	}
	var ids []string
	_ = unpackAny(resp, &ids)
	return ids
}

// CheckHealth implements engine.Engine via the standard gRPC health
// checking protocol.
func (e *Engine) CheckHealth(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: e.cfg.HealthService})
	if err != nil {
		return fmt.Errorf("remote: health check: %w", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("remote: executor reports status %s", resp.Status)
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	fullMethod := "/asyncserve.engine.v1.Executor/" + method
	return e.conn.Invoke(ctx, fullMethod, req, resp)
}

func specToStruct(spec engine.RequestSpec) (*structpb.Struct, error) {
	return anyStruct(struct {
		RequestID   string             `json:"request_id"`
		ArrivalTime int64              `json:"arrival_time"`
		Inputs      any                `json:"inputs"`
		Params      any                `json:"params"`
		Adapter     *engine.AdapterRef `json:"adapter,omitempty"`
	}{spec.RequestID, spec.ArrivalTime.UnixNano(), spec.Inputs, spec.Params, spec.Adapter})
}

func virtualEngineStruct(v int) *structpb.Struct {
	s, _ := structpb.NewStruct(map[string]any{"virtual_engine": float64(v)})
	return s
}

// anyStruct JSON-encodes v, boxes it in an anypb.Any carrying a
// wrapperspb.BytesValue, and returns a *structpb.Struct with a single "any"
// field holding the Any's base64-encoded wire bytes - the concrete
// mechanism for moving an opaque caller payload across the wire without
// the server ever needing to know its shape beyond "some JSON".
func anyStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal payload: %w", err)
	}
	boxed, err := anypb.New(wrapperspb.Bytes(data))
	if err != nil {
		return nil, fmt.Errorf("remote: box anypb.Any: %w", err)
	}
	wire, err := proto.Marshal(boxed)
	if err != nil {
		return nil, fmt.Errorf("remote: marshal anypb.Any: %w", err)
	}
	return structpb.NewStruct(map[string]any{"any": base64.StdEncoding.EncodeToString(wire)})
}

// unpackAny is anyStruct's inverse: it decodes resp's "any" field back into
// an anypb.Any, unwraps the wrapperspb.BytesValue, and JSON-unmarshals the
// result into dst.
func unpackAny(resp *structpb.Struct, dst any) error {
	encoded := resp.Fields["any"].GetStringValue()
	if encoded == "" {
		return nil
	}
	wire, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("remote: decode base64: %w", err)
	}
	var boxed anypb.Any
	if err := proto.Unmarshal(wire, &boxed); err != nil {
		return fmt.Errorf("remote: unmarshal anypb.Any: %w", err)
	}
	var bytesVal wrapperspb.BytesValue
	if err := boxed.UnmarshalTo(&bytesVal); err != nil {
		return fmt.Errorf("remote: unwrap bytes value: %w", err)
	}
	return json.Unmarshal(bytesVal.Value, dst)
}
