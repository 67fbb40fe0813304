// Package pulsestream mirrors an AsyncStream onto a goa.design/pulse
// stream keyed by request id, so a caller-facing process running
// separately from the Supervisor can still consume a request's output
// sequence after a process hop. It never replaces the in-process
// stream.AsyncStream contract - a Mirror is a standalone transport that a
// caller publishes to explicitly; the tracker does not write to it.
package pulsestream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/aphrodite-engine/asyncserve/stream"
)

// envelope is the wire representation of one stream.Item.
type envelope struct {
	Kind    stream.Kind `json:"kind"`
	Output  json.RawMessage `json:"output,omitempty"`
	ErrText string          `json:"error,omitempty"`
}

const eventName = "item"

// Mirror publishes each item passed to its own methods as an event on a
// Pulse stream, so a remote subscriber can replay the sequence. It is not
// hooked into stream.AsyncStream: Put/Finish on an AsyncStream publish
// nothing.
type Mirror struct {
	pulseStream *streaming.Stream
}

// NewMirror opens (or creates) the named Pulse stream on redisClient-backed
// pulse.
func NewMirror(name string, redisClient *redis.Client) (*Mirror, error) {
	s, err := streaming.NewStream(name, redisClient)
	if err != nil {
		return nil, fmt.Errorf("pulsestream: open stream %q: %w", name, err)
	}
	return &Mirror{pulseStream: s}, nil
}

// PutOutput mirrors a stream.AsyncStream.Put call. output must be
// JSON-marshalable; a marshal failure is returned to the caller rather than
// silently dropped, since a mirror failure should never look like a clean
// stream to a remote subscriber.
func (m *Mirror) PutOutput(ctx context.Context, output any) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("pulsestream: marshal output: %w", err)
	}
	return m.publish(ctx, envelope{Kind: stream.KindOutput, Output: payload})
}

// Finish mirrors a stream.AsyncStream.Finish call.
func (m *Mirror) Finish(ctx context.Context, finishErr error) error {
	env := envelope{Kind: stream.KindEnd}
	if finishErr != nil {
		env.Kind = stream.KindError
		env.ErrText = finishErr.Error()
	}
	return m.publish(ctx, env)
}

func (m *Mirror) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulsestream: marshal envelope: %w", err)
	}
	if _, err := m.pulseStream.Add(ctx, eventName, data); err != nil {
		return fmt.Errorf("pulsestream: publish: %w", err)
	}
	return nil
}

// Destroy deletes the underlying Pulse stream and all its messages.
func (m *Mirror) Destroy(ctx context.Context) error {
	return m.pulseStream.Destroy(ctx)
}

// Decode reconstructs a stream.Item from one subscribed Pulse event
// payload, for the reader side of the mirror.
func Decode(payload []byte) (stream.Item, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Item{}, fmt.Errorf("pulsestream: decode envelope: %w", err)
	}
	switch env.Kind {
	case stream.KindOutput:
		var out any
		if err := json.Unmarshal(env.Output, &out); err != nil {
			return stream.Item{}, fmt.Errorf("pulsestream: decode output: %w", err)
		}
		return stream.Item{Kind: stream.KindOutput, Output: out}, nil
	case stream.KindError:
		return stream.Item{Kind: stream.KindError, Err: fmt.Errorf("%s", env.ErrText)}, nil
	default:
		return stream.Item{Kind: stream.KindEnd}, nil
	}
}
