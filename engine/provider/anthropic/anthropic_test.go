package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aphrodite-engine/asyncserve/engine"
)

// fakeDecoder feeds a fixed sequence of SSE events to an ssestream.Stream,
// mirroring the teacher's testDecoder in features/model/anthropic.
type fakeDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *fakeDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *fakeDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *fakeDecoder) Close() error { return nil }
func (d *fakeDecoder) Err() error   { return nil }

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func textDeltaEvent(t *testing.T, text string) ssestream.Event {
	ev := sdk.MessageStreamEventUnion{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "content_block_delta",
		"index": 0,
		"delta": {"type": "text_delta", "text": "`+text+`"}
	}`), &ev))
	return ssestream.Event{Type: "content_block_delta", Data: mustJSON(t, ev)}
}

func stopEvent(t *testing.T) ssestream.Event {
	ev := sdk.MessageStreamEventUnion{}
	require.NoError(t, json.Unmarshal([]byte(`{"type": "message_stop"}`), &ev))
	return ssestream.Event{Type: "message_stop", Data: mustJSON(t, ev)}
}

type fakeMessagesClient struct {
	events []ssestream.Event
}

func (c *fakeMessagesClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&fakeDecoder{events: c.events}, nil)
}

func TestNewRequiresMessagesClient(t *testing.T) {
	_, err := New(nil, Options{Model: "claude", MaxTokens: 1})
	assert.Error(t, err)
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(&fakeMessagesClient{}, Options{MaxTokens: 1})
	assert.Error(t, err)
}

func TestNewRequiresPositiveMaxTokens(t *testing.T) {
	_, err := New(&fakeMessagesClient{}, Options{Model: "claude"})
	assert.Error(t, err)
}

func TestStreamedRequestYieldsTextFragments(t *testing.T) {
	client := &fakeMessagesClient{events: []ssestream.Event{
		textDeltaEvent(t, "hel"+"lo"),
		stopEvent(t),
	}}
	eng, err := New(client, Options{Model: "claude-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	require.NoError(t, eng.AddRequest(context.Background(), engine.RequestSpec{RequestID: "r1", Inputs: "say hello"}))
	out, err := eng.Schedule(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out.SeqGroupMetadataList, 1)

	var text string
	for i := 0; i < 5; i++ {
		outputs, err := eng.ExecuteModelAsync(context.Background(), &engine.ExecuteModelRequest{SeqGroupMetadataList: out.SeqGroupMetadataList})
		require.NoError(t, err)
		results, err := eng.ProcessModelOutputs(context.Background(), 0, out.SeqGroupMetadataList, outputs)
		require.NoError(t, err)
		for _, r := range results {
			text += r.Payload.(string)
		}
		if len(results) > 0 && results[len(results)-1].Finished {
			break
		}
	}
	assert.Equal(t, "hello", text)
}

func TestNonStringInputsFailsRequest(t *testing.T) {
	client := &fakeMessagesClient{events: []ssestream.Event{stopEvent(t)}}
	eng, err := New(client, Options{Model: "claude-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	require.NoError(t, eng.AddRequest(context.Background(), engine.RequestSpec{RequestID: "r1", Inputs: []string{"not", "a", "prompt"}}))
	out, err := eng.Schedule(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, out.SeqGroupMetadataList)
	assert.ElementsMatch(t, []string{"r1"}, eng.GetAndResetFinishedRequestIDs(0))
}
