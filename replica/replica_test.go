package replica_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aphrodite-engine/asyncserve/replica"
)

func TestStalenessForAppliesMissedThresholdMargin(t *testing.T) {
	assert.Equal(t, 40*time.Second, replica.StalenessFor(10*time.Second, 3))
	assert.Equal(t, 10*time.Second, replica.StalenessFor(10*time.Second, 0))
}

func TestNewRequiresHeartbeatMap(t *testing.T) {
	_, err := replica.New(nil, time.Second)
	require.Error(t, err)
}
