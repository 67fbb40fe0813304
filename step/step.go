// Package step implements StepScheduler, the per-virtual-engine adapter
// that advances one engine step at a time: schedule-or-reuse, invariant
// check, execute, multi-step token forwarding, per-group step completion,
// output materialization, and stats. See Scheduler.Step for the full
// protocol.
package step

import (
	"context"
	"fmt"
	"time"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/telemetry"
)

// StatsSink receives a summary of every completed step. Implementations
// must never be allowed to abort the step; Scheduler.Step recovers from a
// panicking sink and logs the panic. RecordStep has no return value, so a
// sink that can fail (e.g. a network-backed one) handles its own errors.
type StatsSink interface {
	RecordStep(ctx context.Context, stats telemetry.StepTelemetry)
}

type noopSink struct{}

func (noopSink) RecordStep(context.Context, telemetry.StepTelemetry) {}

// cacheEntry is the per-virtual-engine SchedulerOutputCache: the reused
// scheduling decision plus the last forwarded sampled-token batch.
type cacheEntry struct {
	metadataList           []*engine.SeqGroupMetadata
	schedulerOutput        *engine.SchedulerOutput
	lastSampledTokenIDsCPU []int64
}

// Scheduler drives one virtual engine's steps against an engine.Engine.
type Scheduler struct {
	eng              engine.Engine
	multiStepEnabled bool
	sink             StatsSink
	logger           telemetry.Logger

	cache []*cacheEntry // indexed by virtual engine; each slot is only ever touched by that slot's own step call
}

// Options configures a new Scheduler.
type Options struct {
	MultiStepEnabled bool
	Sink             StatsSink
	Logger           telemetry.Logger
}

// New returns a Scheduler for eng, with one cache slot per virtual engine.
func New(eng engine.Engine, opts Options) *Scheduler {
	if opts.Sink == nil {
		opts.Sink = noopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Scheduler{
		eng:              eng,
		multiStepEnabled: opts.MultiStepEnabled,
		sink:             opts.Sink,
		logger:           opts.Logger,
		cache:            make([]*cacheEntry, eng.PipelineParallelSize()),
	}
}

// Step advances virtual engine v by exactly one forward pass and returns
// the incremental outputs it produced (empty if the step is part of an
// in-progress multi-step batch whose outputs aren't materialized yet).
// inProgress reports whether v has remaining multi-step iterations queued,
// in which case the caller must respawn Step(v) immediately rather than
// wait for new work.
func (s *Scheduler) Step(ctx context.Context, v int) (outputs []engine.RequestOutput, inProgress bool, err error) {
	start := time.Now()
	entry := s.cache[v]

	var metadataList []*engine.SeqGroupMetadata
	var schedOut *engine.SchedulerOutput
	if entry != nil {
		metadataList = entry.metadataList
		schedOut = entry.schedulerOutput
	} else {
		schedOut, err = s.eng.Schedule(ctx, v)
		if err != nil {
			return nil, false, errs.New(errs.KindStepFailure, "", fmt.Errorf("schedule(v=%d): %w", v, err))
		}
		metadataList = schedOut.SeqGroupMetadataList
		if schedOut.NumLookaheadSlots > 0 && s.multiStepEnabled {
			entry = &cacheEntry{metadataList: metadataList, schedulerOutput: schedOut}
			s.cache[v] = entry
		}
	}

	remainingSteps, invErr := remainingStepsInvariant(metadataList)
	if invErr != nil {
		return nil, false, errs.New(errs.KindInvariantViolation, "", invErr)
	}

	var samplerOutputs []*engine.SamplerOutput
	if !schedOut.IsEmpty() {
		finishedIDs := s.eng.GetAndResetFinishedRequestIDs(v)

		var lastSampledTokenIDs []int64
		if s.multiStepEnabled && s.eng.PipelineParallelSize() > 1 && entry != nil && len(entry.lastSampledTokenIDsCPU) > 0 {
			lastSampledTokenIDs = entry.lastSampledTokenIDsCPU
		}

		req := &engine.ExecuteModelRequest{
			SeqGroupMetadataList: metadataList,
			BlocksToSwapIn:       schedOut.BlocksToSwapIn,
			BlocksToSwapOut:      schedOut.BlocksToSwapOut,
			BlocksToCopy:         schedOut.BlocksToCopy,
			NumLookaheadSlots:    schedOut.NumLookaheadSlots,
			RunningQueueSize:     schedOut.RunningQueueSize,
			FinishedRequestsIDs:  finishedIDs,
			LastSampledTokenIDs:  lastSampledTokenIDs,
		}
		samplerOutputs, err = s.eng.ExecuteModelAsync(ctx, req)
		if err != nil {
			return nil, false, errs.New(errs.KindStepFailure, "", fmt.Errorf("execute_model_async(v=%d): %w", v, err))
		}
	}

	// Multi-step token forwarding: the last sampler output becomes the
	// cached last_output used by the next step to forward sampled tokens
	// to non-last PP stages in place.
	if s.multiStepEnabled && s.eng.PipelineParallelSize() > 1 && len(samplerOutputs) > 0 {
		last := samplerOutputs[len(samplerOutputs)-1]
		if len(last.SampledTokenIDs) > 0 {
			return nil, false, errs.New(errs.KindInvariantViolation, "",
				fmt.Errorf("cache-eligible sampler output for v=%d carries device-resident sampled tokens", v))
		}
		if s.cache[v] == nil {
			s.cache[v] = &cacheEntry{metadataList: metadataList, schedulerOutput: schedOut}
		}
		s.cache[v].lastSampledTokenIDsCPU = last.SampledTokenIDsCPU
	}

	if s.multiStepEnabled {
		for _, md := range metadataList {
			md.FinishStep()
		}
	}

	if remainingSteps == 0 {
		s.cache[v] = nil
		outputs, err = s.eng.ProcessModelOutputs(ctx, v, metadataList, samplerOutputs)
		if err != nil {
			return nil, false, errs.New(errs.KindStepFailure, "", fmt.Errorf("process_model_outputs(v=%d): %w", v, err))
		}
	} else {
		inProgress = true
	}

	s.recordStats(ctx, v, schedOut, outputs, time.Since(start))
	return outputs, inProgress, nil
}

func (s *Scheduler) recordStats(ctx context.Context, v int, schedOut *engine.SchedulerOutput, outputs []engine.RequestOutput, elapsed time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn(ctx, "stats sink panicked, ignoring", "virtual_engine", v, "panic", r)
		}
	}()
	batchSize := 0
	if schedOut != nil {
		batchSize = len(schedOut.SeqGroupMetadataList)
	}
	s.sink.RecordStep(ctx, telemetry.StepTelemetry{
		VirtualEngine: v,
		BatchSize:     batchSize,
		DurationMs:    elapsed.Milliseconds(),
		NumOutputs:    len(outputs),
	})
}

// remainingStepsInvariant returns the shared remaining_steps value across
// list, or an error if the entries disagree - a fatal programmer error per
// the SchedulerOutputCache invariant.
func remainingStepsInvariant(list []*engine.SeqGroupMetadata) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	want := list[0].RemainingSteps
	for _, md := range list[1:] {
		if md.RemainingSteps != want {
			return 0, fmt.Errorf("sequence groups disagree on remaining_steps: %d vs %d (request %s)", want, md.RemainingSteps, md.RequestID)
		}
	}
	return want, nil
}
