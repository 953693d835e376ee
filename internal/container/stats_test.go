package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeStats(t *testing.T) {
	sample := &StatsSample{
		CPU:    CPUSample{TotalUsage: 2_000_000, SystemUsage: 100_000_000},
		PreCPU: CPUSample{TotalUsage: 1_000_000, SystemUsage: 60_000_000},
		Memory: MemorySample{Usage: 120 << 20, Limit: 512 << 20, InactiveFile: 20 << 20},
		Networks: map[string]NetworkSample{
			"eth0": {RxBytes: 1000, TxBytes: 500},
			"eth1": {RxBytes: 200, TxBytes: 100},
		},
		Blkio: []BlkioEntry{
			{Op: "Read", Value: 4096},
			{Op: "Write", Value: 8192},
			{Op: "Read", Value: 1024},
			{Op: "Total", Value: 999999}, // ignored
		},
	}

	got := ComputeStats(sample)

	assert.InDelta(t, 2.5, got.CPUPercent, 0.0001, "1M cpu delta over 40M system delta")
	assert.Equal(t, uint64(100<<20), got.MemoryUsage, "page cache excluded")
	assert.Equal(t, uint64(512<<20), got.MemoryLimit)
	assert.InDelta(t, 19.53, got.MemoryPercent, 0.01)
	assert.Equal(t, uint64(1200), got.NetworkRx)
	assert.Equal(t, uint64(600), got.NetworkTx)
	assert.Equal(t, uint64(5120), got.BlkRead)
	assert.Equal(t, uint64(8192), got.BlkWrite)
}

func TestComputeStatsEdgeCases(t *testing.T) {
	tests := []struct {
		name   string
		sample *StatsSample
		check  func(t *testing.T, got *Stats)
	}{
		{
			name:   "nil sample",
			sample: nil,
			check: func(t *testing.T, got *Stats) {
				assert.Zero(t, got.CPUPercent)
				assert.Zero(t, got.MemoryUsage)
			},
		},
		{
			name: "first sample has no previous counters",
			sample: &StatsSample{
				CPU: CPUSample{TotalUsage: 1000, SystemUsage: 50000},
			},
			check: func(t *testing.T, got *Stats) {
				// No pre-sample means no meaningful delta ratio, but the
				// counters themselves are positive so percent is computed
				// from the full values.
				assert.InDelta(t, 2.0, got.CPUPercent, 0.0001)
			},
		},
		{
			name: "counter reset yields zero percent",
			sample: &StatsSample{
				CPU:    CPUSample{TotalUsage: 100, SystemUsage: 1000},
				PreCPU: CPUSample{TotalUsage: 500, SystemUsage: 5000},
			},
			check: func(t *testing.T, got *Stats) {
				assert.Zero(t, got.CPUPercent)
			},
		},
		{
			name: "no memory limit",
			sample: &StatsSample{
				Memory: MemorySample{Usage: 1024},
			},
			check: func(t *testing.T, got *Stats) {
				assert.Equal(t, uint64(1024), got.MemoryUsage)
				assert.Zero(t, got.MemoryPercent)
			},
		},
		{
			name: "inactive file larger than usage",
			sample: &StatsSample{
				Memory: MemorySample{Usage: 100, InactiveFile: 200},
			},
			check: func(t *testing.T, got *Stats) {
				assert.Equal(t, uint64(100), got.MemoryUsage)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, ComputeStats(tt.sample))
		})
	}
}
