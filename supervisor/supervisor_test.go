package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aphrodite-engine/asyncserve/config"
	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/engine/inmem"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/stream"
	"github.com/aphrodite-engine/asyncserve/supervisor"
	"github.com/aphrodite-engine/asyncserve/validate"
)

func newSupervisor(t *testing.T, eng engine.Engine) *supervisor.Supervisor {
	t.Helper()
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	return supervisor.New(eng, cfg, supervisor.Options{AutoStart: true})
}

func TestSupervisorSubmitLazyStartsAndDeliversOutputs(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	sup := newSupervisor(t, eng)
	ctx := context.Background()

	r, err := sup.Submit(ctx, "r1", []string{"A", "B", "C"}, nil, time.Time{}, nil)
	require.NoError(t, err)
	assert.True(t, sup.IsRunning())

	var got []string
	for {
		v, err := r.Next(ctx)
		if err == stream.EOS {
			break
		}
		require.NoError(t, err)
		got = append(got, v.(string))
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)

	require.NoError(t, sup.Shutdown(ctx))
	assert.False(t, sup.IsRunning())
	assert.True(t, sup.IsStopped())

	_, err = sup.Submit(ctx, "r2", []string{"A"}, nil, time.Time{}, nil)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindEngineDead, e.Kind)
}

func TestSupervisorSubmitWithoutAutoStartFailsEngineDead(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	sup := supervisor.New(eng, cfg, supervisor.Options{AutoStart: false})

	_, err := sup.Submit(context.Background(), "r1", []string{"A"}, nil, time.Time{}, nil)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindEngineDead, e.Kind)
}

func TestSupervisorValidationFailureRoutesToItsOwnStreamWithoutAborting(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	sup := newSupervisor(t, eng)
	ctx := context.Background()

	r1, err := sup.Submit(ctx, "r1", "not-a-slice", nil, time.Time{}, nil)
	require.NoError(t, err)

	_, readErr := r1.Next(ctx)
	var e *errs.Error
	require.ErrorAs(t, readErr, &e)
	assert.Equal(t, errs.KindRequestValidation, e.Kind)

	r2, err := sup.Submit(ctx, "r2", []string{"ok"}, nil, time.Time{}, nil)
	require.NoError(t, err)
	v, err := r2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_ = sup.Shutdown(ctx)
}

func TestSupervisorCheckHealthFailsWhenNotRunning(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	sup := supervisor.New(eng, cfg, supervisor.Options{AutoStart: false})

	err := sup.CheckHealth(context.Background())
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindEngineDead, e.Kind)
}

func TestSupervisorAbortUnknownIDIsNoop(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	sup := newSupervisor(t, eng)
	ctx := context.Background()

	require.NoError(t, sup.Abort(ctx, "nonexistent"))
	_ = sup.Shutdown(ctx)
}

// failingEngine wraps inmem.Engine and fails Schedule, to force a fatal
// StepFailure without a dedicated fake engine.Engine.
type failingEngine struct{ *inmem.Engine }

func (f *failingEngine) Schedule(ctx context.Context, v int) (*engine.SchedulerOutput, error) {
	return nil, assertError("scheduler exploded")
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestSupervisorFatalStepFailureStopsEngineAndRejectsFurtherSubmits(t *testing.T) {
	eng := &failingEngine{Engine: inmem.New(inmem.Config{PipelineParallelSize: 1})}
	sup := newSupervisor(t, eng)
	ctx := context.Background()

	r1, err := sup.Submit(ctx, "r1", []string{"A"}, nil, time.Time{}, nil)
	require.NoError(t, err)

	_, readErr := r1.Next(ctx)
	var e *errs.Error
	require.ErrorAs(t, readErr, &e)
	assert.Equal(t, errs.KindStepFailure, e.Kind)

	assert.Eventually(t, sup.IsStopped, time.Second, 10*time.Millisecond)
	assert.False(t, sup.IsRunning())

	_, err = sup.Submit(ctx, "r3", []string{"A"}, nil, time.Time{}, nil)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindEngineDead, e.Kind)
}

func TestSupervisorSubmitRejectsUnconfiguredAdapterSynchronously(t *testing.T) {
	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	sup := supervisor.New(eng, cfg, supervisor.Options{AutoStart: true, EnabledAdapters: []string{"lora-a"}})
	ctx := context.Background()

	_, err := sup.Submit(ctx, "r1", []string{"A"}, nil, time.Time{}, &engine.AdapterRef{Name: "lora-b"})
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindAdapterDisabled, e.Kind)

	r2, err := sup.Submit(ctx, "r2", []string{"A"}, nil, time.Time{}, &engine.AdapterRef{Name: "lora-a"})
	require.NoError(t, err)
	v, err := r2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	_ = sup.Shutdown(ctx)
}

const inputsSchema = `{"type": "array", "items": {"type": "string"}}`

func TestSupervisorSubmitRoutesSchemaValidationFailureWithoutReachingEngine(t *testing.T) {
	schema, err := validate.Compile([]byte(inputsSchema))
	require.NoError(t, err)

	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	sup := supervisor.New(eng, cfg, supervisor.Options{AutoStart: true, InputsSchema: schema})
	ctx := context.Background()

	r1, err := sup.Submit(ctx, "r1", "not-an-array", nil, time.Time{}, nil)
	require.NoError(t, err)

	_, readErr := r1.Next(ctx)
	var e *errs.Error
	require.ErrorAs(t, readErr, &e)
	assert.Equal(t, errs.KindRequestValidation, e.Kind)

	r2, err := sup.Submit(ctx, "r2", []string{"ok"}, nil, time.Time{}, nil)
	require.NoError(t, err)
	v, err := r2.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_ = sup.Shutdown(ctx)
}
