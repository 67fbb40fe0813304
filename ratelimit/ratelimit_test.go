package ratelimit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aphrodite-engine/asyncserve/ratelimit"
)

func TestNilLimiterAlwaysAllows(t *testing.T) {
	var l *ratelimit.Limiter
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow())
	}
}

func TestLimiterAllowsUpToBurstThenRejects(t *testing.T) {
	l := ratelimit.New(1)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiterRoundsSubOneRateUpToBurstOfOne(t *testing.T) {
	l := ratelimit.New(0.1)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}
