// Package bedrock implements a single-virtual-engine engine.Engine backed by
// the AWS Bedrock Converse streaming API: each request's spec.Inputs is
// forwarded as the full user message of a ConverseStream call, and the
// resulting text deltas are surfaced as RequestOutput fragments.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/engine/provider/internal/streaming"
)

// StreamOutput is the subset of the AWS ConverseStream output type required
// by the adapter. *bedrockruntime.ConverseStreamOutput satisfies it, and
// tests can supply their own implementation without a live stream.
type StreamOutput interface {
	GetStream() *bedrockruntime.ConverseStreamEventStream
}

// RuntimeClient captures the subset of the AWS Bedrock runtime client this
// adapter uses. Unlike *bedrockruntime.Client.ConverseStream, it returns the
// StreamOutput interface rather than the concrete SDK type so tests can
// substitute a fake without live AWS credentials; NewFromClient adapts the
// real SDK client to this shape.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
}

// sdkRuntime adapts *bedrockruntime.Client to RuntimeClient: the SDK method
// already returns a type satisfying StreamOutput, so this only needs to
// restate it as the interface.
type sdkRuntime struct{ client *bedrockruntime.Client }

func (r *sdkRuntime) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	return r.client.ConverseStream(ctx, params, optFns...)
}

// NewFromClient wraps a real AWS Bedrock runtime client (built via the
// standard AWS SDK config loading, e.g. config.LoadDefaultConfig) as a
// RuntimeClient.
func NewFromClient(client *bedrockruntime.Client) RuntimeClient {
	return &sdkRuntime{client: client}
}

// Options configures the Bedrock reference engine.
type Options struct {
	// ModelID is the Bedrock model identifier used for every request.
	ModelID string
}

// New constructs a streaming.Engine backed by the AWS Bedrock Converse
// streaming API.
func New(runtime RuntimeClient, opts Options) (*streaming.Engine, error) {
	if runtime == nil {
		return nil, errors.New("bedrock engine: runtime client is required")
	}
	if opts.ModelID == "" {
		return nil, errors.New("bedrock engine: model id is required")
	}
	start := func(ctx context.Context, spec engine.RequestSpec) (<-chan streaming.Chunk, error) {
		prompt, ok := spec.Inputs.(string)
		if !ok || prompt == "" {
			return nil, fmt.Errorf("bedrock engine: inputs must be a non-empty prompt string, got %T", spec.Inputs)
		}
		input := &bedrockruntime.ConverseStreamInput{
			ModelId: &opts.ModelID,
			Messages: []brtypes.Message{
				{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
				},
			},
		}
		output, err := runtime.ConverseStream(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("bedrock engine: converse_stream: %w", err)
		}
		return runStream(ctx, output.GetStream()), nil
	}
	return streaming.New(start, healthCheck(runtime, opts.ModelID)), nil
}

// runStream drains stream's event channel on a background goroutine,
// emitting one streaming.Chunk per text delta and closing the returned
// channel once the stream ends (in error or not).
func runStream(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) <-chan streaming.Chunk {
	out := make(chan streaming.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		events := stream.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					if err := stream.Err(); err != nil {
						select {
						case out <- streaming.Chunk{Err: err}:
						case <-ctx.Done():
						}
					}
					return
				}
				text, found := deltaText(event)
				if !found || text == "" {
					continue
				}
				select {
				case out <- streaming.Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// deltaText extracts the text delta from a ContentBlockDelta event, the
// only event type this reference engine surfaces as a fragment.
func deltaText(event brtypes.ConverseStreamOutput) (string, bool) {
	delta, ok := event.(*brtypes.ConverseStreamOutputMemberContentBlockDelta)
	if !ok {
		return "", false
	}
	text, ok := delta.Value.Delta.(*brtypes.ContentBlockDeltaMemberText)
	if !ok {
		return "", false
	}
	return text.Value, true
}

// healthCheck issues a minimal ConverseStream request and immediately closes
// it, treating any error opening the stream as unreachable.
func healthCheck(runtime RuntimeClient, modelID string) streaming.HealthCheck {
	return func(ctx context.Context) error {
		output, err := runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId: &modelID,
			Messages: []brtypes.Message{
				{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ping"}},
				},
			},
		})
		if err != nil {
			return err
		}
		return output.GetStream().Close()
	}
}
