package procman

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppliesDefaults(t *testing.T) {
	m := New(Config{BinaryPath: "/bin/true"})
	assert.Equal(t, 1, m.cfg.SyncerWorkers)
	assert.Equal(t, DefaultLoadThresholds, m.cfg.Thresholds)
}

func TestNewPreservesExplicitConfig(t *testing.T) {
	thresholds := LoadThresholds{CPUPercent: 50, MemoryPercent: 60, SustainedFor: time.Second, SampleEvery: time.Second}
	m := New(Config{BinaryPath: "/bin/true", SyncerWorkers: 4, Thresholds: thresholds})
	assert.Equal(t, 4, m.cfg.SyncerWorkers)
	assert.Equal(t, thresholds, m.cfg.Thresholds)
}

func TestOverloadedDefaultsFalse(t *testing.T) {
	m := New(Config{BinaryPath: "/bin/true"})
	assert.False(t, m.Overloaded())

	m.setOverloaded(true)
	assert.True(t, m.Overloaded())
}

func TestEnvWorkerIndexFormatsEachIndex(t *testing.T) {
	cases := map[int]string{0: "0", 1: "1", 42: "42", -7: "-7"}
	for in, want := range cases {
		assert.Equal(t, "ZERO_CACHE_WORKER_INDEX="+want, envWorkerIndex(in))
	}
}

func TestEnvWorkerIndex(t *testing.T) {
	assert.Equal(t, "ZERO_CACHE_WORKER_INDEX=3", envWorkerIndex(3))
}
