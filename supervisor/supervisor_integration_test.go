package supervisor_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"goa.design/pulse/rmap"

	"github.com/aphrodite-engine/asyncserve/config"
	"github.com/aphrodite-engine/asyncserve/engine/inmem"
	"github.com/aphrodite-engine/asyncserve/errs"
	"github.com/aphrodite-engine/asyncserve/supervisor"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				skipIntegration = true
			} else {
				testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestStartHeartbeatsReplicaAndShutdownForgetsIt(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second}
	sup := supervisor.New(eng, cfg, supervisor.Options{
		RedisClient:       rdb,
		ReplicaID:         "replica-a",
		HeartbeatInterval: 20 * time.Millisecond,
	})

	require.NoError(t, sup.Start(ctx))
	defer sup.Shutdown(ctx)

	heartbeats, err := rmap.Join(ctx, "asyncserve-replica-heartbeats", rdb)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := heartbeats.Get("replica:heartbeat:replica-a")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Shutdown(ctx))

	_, ok := heartbeats.Get("replica:heartbeat:replica-a")
	assert.False(t, ok, "heartbeat entry should be forgotten on shutdown")
}

func TestStartFailsLeaderNotAcquiredWhenLockHeldByAnotherReplica(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	held, err := rdb.SetNX(ctx, "supervisor-leader-test", "someone-else", time.Minute).Result()
	require.NoError(t, err)
	require.True(t, held)

	eng := inmem.New(inmem.Config{PipelineParallelSize: 1})
	cfg := &config.Config{IterationTimeout: 5 * time.Second, LeaderLockKey: "supervisor-leader-test"}
	sup := supervisor.New(eng, cfg, supervisor.Options{RedisClient: rdb})

	err = sup.Start(ctx)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindLeaderNotAcquired, e.Kind)
	assert.False(t, sup.IsRunning())
}
