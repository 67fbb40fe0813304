// Package leader implements the optional Redis-backed advisory lock that
// lets exactly one supervisor replica become the active EngineLoop owner
// in a multi-replica deployment. A single process still needs no locking
// at all (see the concurrency model in the core packages); this package
// only matters once more than one Supervisor points at the same engine.
package leader

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire when another replica currently
// holds the lock.
var ErrNotAcquired = errors.New("leader: lock not acquired")

// Lock is a SET NX PX advisory lock with a background renewal loop. The
// zero value is not usable; use Acquire.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire attempts to win the lock named key on client, with a lease of
// ttl (renewed at ttl/3 intervals for as long as the returned Lock is
// held). It returns ErrNotAcquired, without blocking or retrying, if
// another holder currently owns the key - callers that want retry-until-
// acquired semantics should loop on Acquire themselves.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{client: client, key: key, token: token, ttl: ttl, cancel: cancel, done: make(chan struct{})}
	go l.renewLoop(renewCtx)
	return l, nil
}

func (l *Lock) renewLoop(ctx context.Context) {
	defer close(l.done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Renew only if we still own the key (token match), so an
			// expired-then-stolen lock is never clobbered.
			script := redis.NewScript(`
				if redis.call("get", KEYS[1]) == ARGV[1] then
					return redis.call("pexpire", KEYS[1], ARGV[2])
				end
				return 0
			`)
			script.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds())
		}
	}
}

// Release stops renewal and deletes the key if this Lock still owns it.
func (l *Lock) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	return script.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
