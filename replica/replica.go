// Package replica tracks which asyncserve replicas are alive in a
// multi-replica deployment, using a Pulse replicated map as the shared
// liveness store so every node sees the same heartbeat state without a
// direct dependency between replicas.
package replica

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

// Health reports the derived liveness of one replica.
type Health struct {
	// Alive reports whether a heartbeat was recorded within the configured
	// staleness threshold.
	Alive bool
	// LastHeartbeat is the timestamp of the last recorded heartbeat, when
	// available.
	LastHeartbeat time.Time
	// Age is the duration since LastHeartbeat, when available.
	Age time.Duration
}

// Tracker records and queries replica heartbeats against a shared Pulse
// map. It does not itself run a ticker: callers drive heartbeat timing
// (typically via StartHeartbeatLoop) to keep the staleness contract
// explicit and testable.
type Tracker struct {
	heartbeats         *rmap.Map
	stalenessThreshold time.Duration
}

const heartbeatKeyPrefix = "replica:heartbeat:"

// DefaultHeartbeatInterval is the default interval between replica
// heartbeats.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultMissedHeartbeatThreshold is the default number of consecutive
// missed heartbeats before a replica is considered dead.
const DefaultMissedHeartbeatThreshold = 3

// New constructs a Tracker backed by a Pulse replicated map. staleness is
// the maximum acceptable heartbeat age before a replica is reported dead;
// StalenessFor derives the conventional value from an interval and a
// missed-heartbeat threshold, matching the "(missed+1)*interval" margin
// production operators need to tolerate one slow tick without flapping.
func New(heartbeats *rmap.Map, staleness time.Duration) (*Tracker, error) {
	if heartbeats == nil {
		return nil, fmt.Errorf("replica: heartbeat map is required")
	}
	if staleness <= 0 {
		return nil, fmt.Errorf("replica: staleness threshold must be positive")
	}
	return &Tracker{heartbeats: heartbeats, stalenessThreshold: staleness}, nil
}

// StalenessFor derives a staleness threshold from a heartbeat interval and
// the number of consecutive heartbeats a replica may miss before being
// considered dead.
func StalenessFor(interval time.Duration, missedThreshold int) time.Duration {
	return time.Duration(missedThreshold+1) * interval
}

// RecordHeartbeat records a heartbeat for id at the current time.
func (t *Tracker) RecordHeartbeat(ctx context.Context, id string) error {
	_, err := t.heartbeats.Set(ctx, heartbeatKeyPrefix+id, strconv.FormatInt(time.Now().UnixNano(), 10))
	if err != nil {
		return fmt.Errorf("replica: record heartbeat for %q: %w", id, err)
	}
	return nil
}

// Health reports the derived liveness of id. A replica that has never
// heartbeat is reported not alive, with a zero LastHeartbeat.
func (t *Tracker) Health(id string) Health {
	val, ok := t.heartbeats.Get(heartbeatKeyPrefix + id)
	if !ok {
		return Health{}
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return Health{}
	}
	last := time.Unix(0, nanos)
	age := time.Since(last)
	return Health{Alive: age <= t.stalenessThreshold, LastHeartbeat: last, Age: age}
}

// IsAlive reports whether id's last heartbeat is within the staleness
// threshold.
func (t *Tracker) IsAlive(id string) bool {
	return t.Health(id).Alive
}

// Forget removes id's heartbeat entry, for a replica that is shutting down
// cleanly and should not be reported alive or dead - simply absent.
func (t *Tracker) Forget(ctx context.Context, id string) error {
	_, err := t.heartbeats.Delete(ctx, heartbeatKeyPrefix+id)
	if err != nil {
		return fmt.Errorf("replica: forget %q: %w", id, err)
	}
	return nil
}

// StartHeartbeatLoop records a heartbeat for id immediately, then on every
// interval tick, until ctx is cancelled or the returned stop func is
// called. The loop runs in its own goroutine.
func (t *Tracker) StartHeartbeatLoop(ctx context.Context, id string, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	if err := t.RecordHeartbeat(ctx, id); err != nil {
		_ = err // best-effort; the ticking loop below will retry
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.RecordHeartbeat(ctx, id)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
