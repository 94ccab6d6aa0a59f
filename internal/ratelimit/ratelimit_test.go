package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := New(2, time.Minute, func() time.Time { return clock })

	ok, _ := l.Allow("agent-1")
	assert.True(t, ok)

	ok, _ = l.Allow("agent-1")
	assert.True(t, ok)

	ok, retryAfter := l.Allow("agent-1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, 0)
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := New(1, time.Minute, func() time.Time { return clock })

	ok, _ := l.Allow("agent-1")
	assert.True(t, ok)

	ok, _ = l.Allow("agent-1")
	assert.False(t, ok)

	clock = clock.Add(61 * time.Second)

	ok, _ = l.Allow("agent-1")
	assert.True(t, ok)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := New(1, time.Minute, func() time.Time { return clock })

	ok, _ := l.Allow("agent-1")
	assert.True(t, ok)

	ok, _ = l.Allow("agent-2")
	assert.True(t, ok)
}
