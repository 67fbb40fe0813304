package replica_test

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

	"github.com/aphrodite-engine/asyncserve/replica"
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

func TestNewRequiresPositiveStaleness(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	heartbeats, err := rmap.Join(ctx, "replica-heartbeats-staleness-test", rdb)
	require.NoError(t, err)

	_, err = replica.New(heartbeats, 0)
	assert.Error(t, err)
}

func TestRecordHeartbeatThenIsAliveUntilStale(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	heartbeats, err := rmap.Join(ctx, "replica-heartbeats-test", rdb)
	require.NoError(t, err)

	tr, err := replica.New(heartbeats, 50*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, tr.IsAlive("replica-1"))

	require.NoError(t, tr.RecordHeartbeat(ctx, "replica-1"))
	assert.True(t, tr.IsAlive("replica-1"))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, tr.IsAlive("replica-1"))
}

func TestStartHeartbeatLoopKeepsReplicaAlive(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	heartbeats, err := rmap.Join(ctx, "replica-heartbeats-loop-test", rdb)
	require.NoError(t, err)

	tr, err := replica.New(heartbeats, 200*time.Millisecond)
	require.NoError(t, err)

	stop := tr.StartHeartbeatLoop(ctx, "replica-1", 20*time.Millisecond)
	defer stop()

	time.Sleep(120 * time.Millisecond)
	assert.True(t, tr.IsAlive("replica-1"))
}

func TestForgetRemovesHeartbeatEntry(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	heartbeats, err := rmap.Join(ctx, "replica-heartbeats-forget-test", rdb)
	require.NoError(t, err)

	tr, err := replica.New(heartbeats, time.Second)
	require.NoError(t, err)

	require.NoError(t, tr.RecordHeartbeat(ctx, "replica-1"))
	assert.True(t, tr.IsAlive("replica-1"))

	require.NoError(t, tr.Forget(ctx, "replica-1"))
	assert.False(t, tr.IsAlive("replica-1"))
}
