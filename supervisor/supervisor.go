// Package supervisor implements Supervisor, the public lifecycle surface
// over RequestTracker, EngineLoop, and an engine.Engine: start/stop of the
// background loop, health, cancellation, and config queries.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/aphrodite-engine/asyncserve/config"
	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/leader"
	"github.com/aphrodite-engine/asyncserve/loop"
	"github.com/aphrodite-engine/asyncserve/ratelimit"
	"github.com/aphrodite-engine/asyncserve/replica"
	"github.com/aphrodite-engine/asyncserve/step"
	"github.com/aphrodite-engine/asyncserve/stream"
	"github.com/aphrodite-engine/asyncserve/telemetry"
	"github.com/aphrodite-engine/asyncserve/tracker"
	"github.com/aphrodite-engine/asyncserve/validate"
)

// Options configures a Supervisor beyond the required engine and config.
type Options struct {
	// AutoStart, if true, lazy-starts the background loop on the first
	// Submit call rather than requiring an explicit Start.
	AutoStart bool

	MultiStepEnabled bool
	Sink             step.StatsSink
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics

	// Limiter, if set, bounds Submit's admission rate. If nil, New builds
	// one from cfg.SubmitRateLimit when that rate is positive; with
	// neither, rate limiting is disabled.
	Limiter *ratelimit.Limiter

	// EnabledAdapters names the adapters (e.g. LoRA handles) this engine is
	// configured to serve. A nil/empty set means the engine serves no
	// adapters at all: Submit rejects any request naming one with
	// AdapterDisabled before it ever reaches the tracker or the engine.
	EnabledAdapters []string

	// InputsSchema and ParamsSchema, if set, validate a request's Inputs
	// and Params against a compiled JSON Schema before the request ever
	// reaches the engine's AddRequest.
	InputsSchema *validate.Schema
	ParamsSchema *validate.Schema

	// RedisClient backs both the optional leader lock (cfg.LeaderLockKey)
	// and the optional replica heartbeat (ReplicaID). A nil client
	// disables both, regardless of the other settings.
	RedisClient *redis.Client

	// ReplicaID, if non-empty alongside RedisClient, heartbeats this
	// replica's liveness into the shared Pulse map on Start and forgets it
	// on Shutdown, so other replicas (or an external health check) can
	// tell this process apart from a wedged one.
	ReplicaID string
	// HeartbeatInterval overrides replica.DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// MissedHeartbeatThreshold overrides replica.DefaultMissedHeartbeatThreshold.
	MissedHeartbeatThreshold int
}

// Supervisor is the public API and lifecycle owner: it exclusively owns
// the RequestTracker, the background loop goroutine, and the engine.Engine
// handle.
type Supervisor struct {
	eng             engine.Engine
	cfg             *config.Config
	tracker         *tracker.Tracker
	loop            *loop.Loop
	opts            Options
	enabledAdapters map[string]struct{}

	mu            sync.Mutex
	running       bool
	stopped       bool
	cancel        context.CancelFunc
	loopDone      chan struct{}
	leaderLock    *leader.Lock
	stopHeartbeat func()

	errored atomic.Bool
}

const replicaHeartbeatMapName = "asyncserve-replica-heartbeats"

// New constructs a Supervisor over eng using cfg for its tunables. The
// background loop is not started until Start is called (or, with
// opts.AutoStart, until the first Submit).
func New(eng engine.Engine, cfg *config.Config, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	if opts.Limiter == nil && cfg.SubmitRateLimit > 0 {
		opts.Limiter = ratelimit.New(cfg.SubmitRateLimit)
	}
	tr := tracker.New()
	sched := step.New(eng, step.Options{MultiStepEnabled: opts.MultiStepEnabled, Sink: opts.Sink, Logger: opts.Logger})
	l := loop.New(eng, tr, sched, loop.Options{IterationTimeout: cfg.IterationTimeout, Logger: opts.Logger, Metrics: opts.Metrics})
	enabled := make(map[string]struct{}, len(opts.EnabledAdapters))
	for _, name := range opts.EnabledAdapters {
		enabled[name] = struct{}{}
	}
	return &Supervisor{eng: eng, cfg: cfg, tracker: tr, loop: l, opts: opts, enabledAdapters: enabled}
}

// Start launches the background loop goroutine. It is a no-op if already
// running and fails with errs.KindLeaderNotAcquired if leader election is
// configured (cfg.LeaderLockKey) but this replica did not win the lock -
// in that case the loop stays stopped and Submit keeps failing until a
// future Start succeeds: with EngineDead, or, with opts.AutoStart, with
// the errs.KindLeaderNotAcquired error of its own Start attempt.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.stopped {
		return errs.New(errs.KindEngineDead, "", fmt.Errorf("supervisor already shut down"))
	}

	if s.opts.RedisClient != nil && s.cfg.LeaderLockKey != "" {
		lock, err := leader.Acquire(ctx, s.opts.RedisClient, s.cfg.LeaderLockKey, s.cfg.IterationTimeout)
		if err != nil {
			return errs.New(errs.KindLeaderNotAcquired, "", err)
		}
		s.leaderLock = lock
	}

	loopCtx, cancel := context.WithCancel(ctx)

	if s.opts.RedisClient != nil && s.opts.ReplicaID != "" {
		stop, err := s.startHeartbeat(ctx, loopCtx)
		if err != nil {
			cancel()
			if s.leaderLock != nil {
				_ = s.leaderLock.Release(ctx)
				s.leaderLock = nil
			}
			return err
		}
		s.stopHeartbeat = stop
	}

	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.loopDone)
		err := s.loop.Run(loopCtx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil {
			s.errored.Store(true)
			s.opts.Logger.Error(ctx, "engine loop exited with a fatal error", "error", err)
		}
	}()
	return nil
}

// startHeartbeat joins the shared replica heartbeat map using joinCtx (a
// short-lived setup context) and runs the heartbeat ticker against loopCtx,
// so the ticker stops together with the engine loop on Shutdown rather than
// whenever the Start call's own context happens to end.
func (s *Supervisor) startHeartbeat(joinCtx, loopCtx context.Context) (stop func(), err error) {
	interval := s.opts.HeartbeatInterval
	if interval <= 0 {
		interval = replica.DefaultHeartbeatInterval
	}
	missed := s.opts.MissedHeartbeatThreshold
	if missed <= 0 {
		missed = replica.DefaultMissedHeartbeatThreshold
	}

	heartbeats, err := rmap.Join(joinCtx, replicaHeartbeatMapName, s.opts.RedisClient)
	if err != nil {
		return nil, fmt.Errorf("supervisor: join replica heartbeat map: %w", err)
	}
	tr, err := replica.New(heartbeats, replica.StalenessFor(interval, missed))
	if err != nil {
		return nil, fmt.Errorf("supervisor: construct replica tracker: %w", err)
	}
	replicaID := s.opts.ReplicaID
	loopStop := tr.StartHeartbeatLoop(loopCtx, replicaID, interval)
	return func() {
		loopStop()
		_ = tr.Forget(context.Background(), replicaID)
	}, nil
}

func (s *Supervisor) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	autoStart := s.opts.AutoStart
	s.mu.Unlock()
	if running {
		return nil
	}
	if !autoStart {
		return errs.EngineDead("")
	}
	return s.Start(ctx)
}

// Submit registers a new request and returns a reader over its output
// stream. It lazy-starts the background loop on first call when
// opts.AutoStart is set, rejects with EngineDead if errored or not
// running, rejects with TooManyRequests if a rate limiter is configured
// and currently exhausted, and rejects with AdapterDisabled if adapter
// names an adapter outside opts.EnabledAdapters. A request that names no
// adapter but fails opts.InputsSchema/opts.ParamsSchema validation still
// gets a stream - matching a RequestValidation failure at the engine's
// AddRequest - but the spec is aborted before the engine ever sees it.
func (s *Supervisor) Submit(ctx context.Context, requestID string, inputs any, params any, arrivalTime time.Time, adapter *engine.AdapterRef) (*stream.Reader, error) {
	if s.errored.Load() {
		return nil, errs.EngineDead(requestID)
	}
	if err := s.ensureStarted(ctx); err != nil {
		return nil, err
	}
	if s.opts.Limiter != nil && !s.opts.Limiter.Allow() {
		return nil, errs.New(errs.KindTooManyRequests, requestID, fmt.Errorf("submission rate exceeded"))
	}
	if adapter != nil {
		if _, ok := s.enabledAdapters[adapter.Name]; !ok {
			return nil, errs.New(errs.KindAdapterDisabled, requestID, fmt.Errorf("adapter %q is not configured", adapter.Name))
		}
	}

	if arrivalTime.IsZero() {
		arrivalTime = time.Now()
	}
	spec := engine.RequestSpec{
		RequestID:   requestID,
		Inputs:      inputs,
		Params:      params,
		ArrivalTime: arrivalTime,
		Adapter:     adapter,
	}
	st, err := s.tracker.AddRequest(spec)
	if err != nil {
		return nil, err
	}
	if err := s.validateSpec(spec); err != nil {
		s.tracker.RouteError(requestID, err)
	}
	return stream.NewReader(st), nil
}

// validateSpec checks inputs/params, encoded to JSON, against
// opts.InputsSchema/ParamsSchema, when configured. A nil *validate.Schema
// always passes.
func (s *Supervisor) validateSpec(spec engine.RequestSpec) error {
	check := func(schema *validate.Schema, v any) error {
		if schema == nil {
			return nil
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return schema.ValidateJSON(payload)
	}
	if err := check(s.opts.InputsSchema, spec.Inputs); err != nil {
		return errs.New(errs.KindRequestValidation, spec.RequestID, fmt.Errorf("inputs: %w", err))
	}
	if err := check(s.opts.ParamsSchema, spec.Params); err != nil {
		return errs.New(errs.KindRequestValidation, spec.RequestID, fmt.Errorf("params: %w", err))
	}
	return nil
}

// Abort delegates to the tracker with a cancellation terminator. It is a
// no-op on unknown ids.
func (s *Supervisor) Abort(ctx context.Context, requestID string) error {
	if s.errored.Load() || s.IsStopped() {
		return errs.EngineDead(requestID)
	}
	s.tracker.AbortRequest(requestID, nil)
	return nil
}

// Generate is a typed convenience wrapper over Submit: it submits and
// re-yields each output asserted to type T, failing with RequestValidation
// if the engine ever produces an output of the wrong type.
func Generate[T any](ctx context.Context, s *Supervisor, requestID string, inputs any, params any) (<-chan T, <-chan error) {
	out := make(chan T)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)

		r, err := s.Submit(ctx, requestID, inputs, params, time.Time{}, nil)
		if err != nil {
			errc <- err
			return
		}
		for {
			v, err := r.Next(ctx)
			if err == stream.EOS {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			typed, ok := v.(T)
			if !ok {
				errc <- errs.New(errs.KindRequestValidation, requestID, fmt.Errorf("output has unexpected type %T", v))
				return
			}
			select {
			case out <- typed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

// Encode is Generate under another name, for adapters whose outputs are
// already a fixed concrete type (e.g. embeddings); it is a thin rename so
// callers can distinguish pooling/encoding requests from generation ones at
// the call site.
func Encode[T any](ctx context.Context, s *Supervisor, requestID string, inputs any, params any) (<-chan T, <-chan error) {
	return Generate[T](ctx, s, requestID, inputs, params)
}

// CheckHealth delegates to the engine's health probe. It fails with
// EngineDead if the loop is stopped.
func (s *Supervisor) CheckHealth(ctx context.Context) error {
	if !s.IsRunning() {
		return errs.EngineDead("")
	}
	return s.eng.CheckHealth(ctx)
}

// Shutdown cancels the background loop and waits for it to exit. It is
// idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	done := s.loopDone
	lock := s.leaderLock
	s.leaderLock = nil
	stopHeartbeat := s.stopHeartbeat
	s.stopHeartbeat = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	// stopHeartbeat blocks on the ticker goroutine observing loopCtx's
	// cancellation above, so it always returns promptly once cancel() has
	// run.
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if lock != nil {
		_ = lock.Release(context.Background())
	}
	return waitErr
}

// IsRunning reports whether the background loop goroutine is currently
// active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsStopped reports whether Shutdown has been called or the background
// loop has latched a fatal error - either way, the supervisor will never
// serve another request without a fresh Start.
func (s *Supervisor) IsStopped() bool {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	return stopped || s.errored.Load()
}

// Errored reports whether the background loop has latched a fatal error.
func (s *Supervisor) Errored() bool { return s.errored.Load() }

// GetIterationTimeoutConfig is a pass-through config query.
func (s *Supervisor) GetIterationTimeoutConfig() time.Duration { return s.cfg.IterationTimeout }

// GetSubmitRateLimitConfig is a pass-through config query.
func (s *Supervisor) GetSubmitRateLimitConfig() float64 { return s.cfg.SubmitRateLimit }

// GetLeaderLockKeyConfig is a pass-through config query.
func (s *Supervisor) GetLeaderLockKeyConfig() string { return s.cfg.LeaderLockKey }
