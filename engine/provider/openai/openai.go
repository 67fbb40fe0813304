// Package openai implements a single-virtual-engine engine.Engine backed by
// the OpenAI Chat Completions API: each request's spec.Inputs is forwarded
// as the full user message of a streaming chat completion, and the
// resulting text deltas are surfaced as RequestOutput fragments.
//
// Unlike the teacher's go-openai-based model adapter, this one uses
// github.com/openai/openai-go, whose Chat Completions client supports
// streaming natively - the capability this package's domain actually needs.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/engine/provider/internal/streaming"
)

// ChatClient captures the subset of the OpenAI SDK client this adapter
// uses, satisfied by the SDK's chat completions service so tests can
// substitute a fake without a live API key.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures the OpenAI reference engine.
type Options struct {
	// Model is the model identifier used for every request, e.g. "gpt-4o".
	Model string
}

// New constructs a streaming.Engine backed by the OpenAI Chat Completions
// API.
func New(chat ChatClient, opts Options) (*streaming.Engine, error) {
	if chat == nil {
		return nil, errors.New("openai engine: chat client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai engine: model is required")
	}
	start := func(ctx context.Context, spec engine.RequestSpec) (<-chan streaming.Chunk, error) {
		prompt, ok := spec.Inputs.(string)
		if !ok || prompt == "" {
			return nil, fmt.Errorf("openai engine: inputs must be a non-empty prompt string, got %T", spec.Inputs)
		}
		params := openai.ChatCompletionNewParams{
			Model: opts.Model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
		}
		stream := chat.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			return nil, fmt.Errorf("openai engine: chat completions stream: %w", err)
		}
		return runStream(ctx, stream), nil
	}
	return streaming.New(start, healthCheck(chat, opts.Model)), nil
}

// NewFromAPIKey constructs an Engine using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*streaming.Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai engine: api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{Model: model})
}

// runStream drains stream on a background goroutine, emitting one
// streaming.Chunk per text delta and closing the returned channel once the
// stream ends (in error or not).
func runStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) <-chan streaming.Chunk {
	out := make(chan streaming.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case out <- streaming.Chunk{Text: text}:
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
func healthCheck(chat ChatClient, model string) streaming.HealthCheck {
	return func(ctx context.Context) error {
		stream := chat.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    model,
			Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		})
		defer stream.Close()
		return stream.Err()
	}
}
