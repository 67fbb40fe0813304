// Package anthropic implements a single-virtual-engine engine.Engine backed
// by the Anthropic Claude Messages API: each request's spec.Inputs is
// forwarded as the full prompt of a streaming completion call, and the
// resulting text deltas are surfaced as RequestOutput fragments.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/engine/provider/internal/streaming"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter uses, satisfied by *sdk.MessageService so tests can substitute a
// fake without a live API key.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic reference engine.
type Options struct {
	// Model is the Claude model identifier used for every request, for
	// example string(sdk.ModelClaudeSonnet4_5_20250929).
	Model string
	// MaxTokens caps each completion. Required, must be positive.
	MaxTokens int
}

// New constructs a streaming.Engine backed by the Anthropic Messages API.
func New(msg MessagesClient, opts Options) (*streaming.Engine, error) {
	if msg == nil {
		return nil, errors.New("anthropic engine: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic engine: model is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic engine: max tokens must be positive")
	}
	start := func(ctx context.Context, spec engine.RequestSpec) (<-chan streaming.Chunk, error) {
		prompt, ok := spec.Inputs.(string)
		if !ok || prompt == "" {
			return nil, fmt.Errorf("anthropic engine: inputs must be a non-empty prompt string, got %T", spec.Inputs)
		}
		params := sdk.MessageNewParams{
			Model:     sdk.Model(opts.Model),
			MaxTokens: int64(opts.MaxTokens),
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
			},
		}
		stream := msg.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			return nil, fmt.Errorf("anthropic engine: messages.new stream: %w", err)
		}
		return runStream(ctx, stream), nil
	}
	return streaming.New(start, healthCheck(msg, opts.Model)), nil
}

// NewFromAPIKey constructs an Engine using the default Anthropic HTTP
// client, reading additional defaults (base URL, timeouts) from the
// environment the way sdk.NewClient does.
func NewFromAPIKey(apiKey, model string, maxTokens int) (*streaming.Engine, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic engine: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, Options{Model: model, MaxTokens: maxTokens})
}

// runStream drains stream on a background goroutine, emitting one
// streaming.Chunk per text delta and closing the returned channel once the
// stream ends (in error or not).
func runStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) <-chan streaming.Chunk {
	out := make(chan streaming.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(sdk.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			select {
			case out <- streaming.Chunk{Text: text.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case out <- streaming.Chunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// healthCheck issues a minimal streaming request and immediately closes it,
// treating any error opening the stream as unreachable.
func healthCheck(msg MessagesClient, model string) streaming.HealthCheck {
	return func(ctx context.Context) error {
		stream := msg.NewStreaming(ctx, sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: 1,
			Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
		})
		defer stream.Close()
		return stream.Err()
	}
}
