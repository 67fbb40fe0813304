// Package tracker implements RequestTracker, the synchronous hinge between
// caller-side submissions and loop-side engine interaction. All exported
// methods are safe to call from multiple goroutines: a production
// supervisor typically has many caller goroutines invoking AddRequest /
// AbortRequest concurrently with the single loop goroutine invoking Drain,
// RouteOutput, and PropagateError. The mutex below is the "single-owner
// lock" variant the design notes call for when the host runtime doesn't
// pin everything to one executor thread.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/aphrodite-engine/asyncserve/engine"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/stream"
)

type pendingNewEntry struct {
	spec   engine.RequestSpec
	stream *stream.AsyncStream
}

type pendingAbortEntry struct {
	id      string
	err     error
	wasLive bool
}

// Tracker owns every live request's stream plus the two pending FIFOs that
// hand new/aborted ids to the engine loop.
type Tracker struct {
	mu sync.Mutex

	streams    map[string]*stream.AsyncStream
	pendingIDs map[string]struct{} // ids currently sitting in pendingNew, for duplicate detection
	pendingNew []pendingNewEntry
	pendingAbort []pendingAbortEntry

	wake chan struct{}
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		streams:    make(map[string]*stream.AsyncStream),
		pendingIDs: make(map[string]struct{}),
		wake:       make(chan struct{}),
	}
}

// AddRequest registers a new request spec and returns its output stream.
// It fails with errs.KindDuplicateRequest if requestID is already live or
// already pending. The stream's cancel callback is bound to
// AbortRequest(requestID, nil), so a dropped Reader schedules an abort on
// the next Drain.
func (t *Tracker) AddRequest(spec engine.RequestSpec) (*stream.AsyncStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := spec.RequestID
	if _, live := t.streams[id]; live {
		return nil, errs.New(errs.KindDuplicateRequest, id, fmt.Errorf("request %q is already live", id))
	}
	if _, pending := t.pendingIDs[id]; pending {
		return nil, errs.New(errs.KindDuplicateRequest, id, fmt.Errorf("request %q is already pending", id))
	}

	s := stream.New(id, func() { t.AbortRequest(id, nil) })
	t.pendingIDs[id] = struct{}{}
	t.pendingNew = append(t.pendingNew, pendingNewEntry{spec: spec, stream: s})
	t.wakeLocked()
	return s, nil
}

// AbortRequest enqueues requestID into the pending-abort FIFO and, if the
// request is currently live (registered in streams), removes and finishes
// its stream immediately with err (errs.Cancelled if err is nil). If the
// request is only pending (not yet handed to the engine), the finish is
// deferred to the next Drain, which resolves the abort-before-dispatch
// precedence rule.
func (t *Tracker) AbortRequest(requestID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortRequestLocked(requestID, err)
}

func (t *Tracker) abortRequestLocked(requestID string, err error) {
	if err == nil {
		err = errs.Cancelled
	}
	s, wasLive := t.streams[requestID]
	if wasLive {
		delete(t.streams, requestID)
		s.Finish(err)
	}
	t.pendingAbort = append(t.pendingAbort, pendingAbortEntry{id: requestID, err: err, wasLive: wasLive})
}

// Drain atomically removes everything queued in pendingNew and
// pendingAbort. Aborted ids take precedence over new ids that match them:
// such a request's stream is finished with a cancellation terminator and
// it is never added to streams or returned in specs. The returned
// abortedForEngine slice contains only ids that were actually live
// (registered in streams) at the moment they were aborted — a request
// aborted before it was ever handed to the engine is never reported to it.
func (t *Tracker) Drain() (specs []engine.RequestSpec, abortedForEngine []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newEntries := t.pendingNew
	t.pendingNew = nil
	abortBatch := t.pendingAbort
	t.pendingAbort = nil

	abortErrByID := make(map[string]error, len(abortBatch))
	for _, e := range abortBatch {
		abortErrByID[e.id] = e.err
	}

	specs = make([]engine.RequestSpec, 0, len(newEntries))
	for _, e := range newEntries {
		delete(t.pendingIDs, e.spec.RequestID)
		if abortErr, aborted := abortErrByID[e.spec.RequestID]; aborted {
			e.stream.Finish(abortErr)
			continue
		}
		t.streams[e.spec.RequestID] = e.stream
		specs = append(specs, e.spec)
	}

	abortedForEngine = make([]string, 0, len(abortBatch))
	for _, e := range abortBatch {
		if e.wasLive {
			abortedForEngine = append(abortedForEngine, e.id)
		}
	}
	return specs, abortedForEngine
}

// RouteOutput delivers one incremental output to its stream. If the stream
// is no longer present (a concurrent abort won the race), the output is
// silently dropped. If the output reports Finished, the stream is removed
// from streams and finished cleanly.
func (t *Tracker) RouteOutput(out engine.RequestOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[out.RequestID]
	if !ok {
		return
	}
	s.Put(out.Payload)
	if out.Finished {
		delete(t.streams, out.RequestID)
		s.Finish(nil)
	}
}

// RouteError finishes requestID's stream with err and removes it from
// streams. It is equivalent to AbortRequest(requestID, err).
func (t *Tracker) RouteError(requestID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortRequestLocked(requestID, err)
}

// PropagateError finishes a single stream (if requestID is non-empty) or
// every currently live stream with err. Used by the engine loop to fan out
// a fatal engine-wide error.
func (t *Tracker) PropagateError(err error, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if requestID != "" {
		if s, ok := t.streams[requestID]; ok {
			delete(t.streams, requestID)
			s.Finish(err)
		}
		return
	}
	for id, s := range t.streams {
		s.Finish(err)
		delete(t.streams, id)
	}
}

// HasNew reports whether pendingNew is currently non-empty.
func (t *Tracker) HasNew() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingNew) > 0
}

// AwaitNew blocks until pendingNew becomes non-empty or ctx is done. It is
// level-triggered: if pendingNew is already non-empty when called, it
// returns immediately.
func (t *Tracker) AwaitNew(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.pendingNew) > 0 {
			t.mu.Unlock()
			return nil
		}
		ch := t.wake
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wakeLocked broadcasts to any goroutine blocked in AwaitNew. Callers must
// hold t.mu.
func (t *Tracker) wakeLocked() {
	close(t.wake)
	t.wake = make(chan struct{})
}
