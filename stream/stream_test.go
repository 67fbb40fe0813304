package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aphrodite-engine/asyncserve/stream"
)

func TestPutThenFinishCleanDeliversInOrder(t *testing.T) {
	s := stream.New("r1", func() {})
	r := stream.NewReader(s)

	s.Put("A")
	s.Put("B")
	s.Finish(nil)

	ctx := context.Background()
	for _, want := range []string{"A", "B"} {
		got, err := r.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, stream.EOS)
}

func TestFinishIsIdempotentAndPutAfterFinishIsDropped(t *testing.T) {
	s := stream.New("r1", func() {})
	s.Finish(nil)
	s.Finish(errors.New("ignored, already finished"))
	s.Put("dropped")

	r := stream.NewReader(s)
	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, stream.EOS)
}

func TestFinishWithErrorDeliversThatError(t *testing.T) {
	boom := errors.New("boom")
	s := stream.New("r1", func() {})
	s.Put("A")
	s.Finish(boom)

	r := stream.NewReader(s)
	got, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", got)

	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestReaderCloseInvokesCancelCallbackOnce(t *testing.T) {
	calls := 0
	s := stream.New("r1", func() { calls++ })
	r := stream.NewReader(s)

	r.Close()
	r.Close()

	assert.Equal(t, 1, calls)
}

func TestContextCancellationDuringNextInvokesCancelCallback(t *testing.T) {
	calls := 0
	s := stream.New("r1", func() { calls++ })
	r := stream.NewReader(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Next(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not return after context cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestNextBlocksUntilPut(t *testing.T) {
	s := stream.New("r1", func() {})
	r := stream.NewReader(s)

	result := make(chan any, 1)
	go func() {
		v, err := r.Next(context.Background())
		assert.NoError(t, err)
		result <- v
	}()

	time.Sleep(10 * time.Millisecond)
	s.Put("late")

	select {
	case v := <-result:
		assert.Equal(t, "late", v)
	case <-time.After(time.Second):
		t.Fatal("Next never unblocked after Put")
	}
}

// TestNoZombieOutputAfterTerminator checks invariant 2: no Output is
// observed after a terminator, across randomized put/finish interleavings.
func TestNoZombieOutputAfterTerminator(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reader never observes output after terminator", prop.ForAll(
		func(outputs []int) bool {
			s := stream.New("r1", func() {})
			for _, o := range outputs {
				s.Put(o)
			}
			s.Finish(nil)

			r := stream.NewReader(s)
			seenTerminator := false
			for i := 0; i < len(outputs)+1; i++ {
				_, err := r.Next(context.Background())
				if errors.Is(err, stream.EOS) {
					seenTerminator = true
					continue
				}
				if seenTerminator {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
