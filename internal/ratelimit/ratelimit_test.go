package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterDisabledByDefault(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("group", "client"))
	}
}

func TestLimiterBurstThenBlock(t *testing.T) {
	l := New(Config{RatePerSecond: 1, Burst: 2})

	assert.True(t, l.Allow("group", "client"))
	assert.True(t, l.Allow("group", "client"))
	assert.False(t, l.Allow("group", "client"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{RatePerSecond: 1, Burst: 1})

	assert.True(t, l.Allow("group", "client-a"))
	assert.True(t, l.Allow("group", "client-b"))
	assert.False(t, l.Allow("group", "client-a"))
}

func TestLimiterForget(t *testing.T) {
	l := New(Config{RatePerSecond: 1, Burst: 1})

	assert.True(t, l.Allow("group", "client"))
	assert.False(t, l.Allow("group", "client"))

	l.Forget("group", "client")
	assert.True(t, l.Allow("group", "client"))
}
