package container

// StatsSample is a raw counter snapshot from the engine. Field shapes
// follow the usual engine stats payload: CPU counters come with the
// previous sample so deltas can be computed, memory usage includes page
// cache, network and block IO are per interface / per operation.
type StatsSample struct {
	CPU      CPUSample
	PreCPU   CPUSample
	Memory   MemorySample
	Networks map[string]NetworkSample
	Blkio    []BlkioEntry
}

// CPUSample holds cumulative CPU counters at one instant.
type CPUSample struct {
	TotalUsage  uint64
	SystemUsage uint64
}

// MemorySample holds memory counters. InactiveFile is the page cache
// portion that should not count as plugin memory (cgroup v2).
type MemorySample struct {
	Usage        uint64
	Limit        uint64
	InactiveFile uint64
}

// NetworkSample holds per-interface byte counters.
type NetworkSample struct {
	RxBytes uint64
	TxBytes uint64
}

// BlkioEntry is one block IO counter. Op is the engine's operation
// label ("read"/"write", case varies by engine version).
type BlkioEntry struct {
	Op    string
	Value uint64
}

// Stats is the derived view served over the API.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	BlkRead       uint64  `json:"blk_read"`
	BlkWrite      uint64  `json:"blk_write"`
}

// ComputeStats derives usage figures from a raw sample.
//
// CPU percent is the container's share of total system CPU time between
// the previous and current sample. Both deltas must be positive,
// otherwise the percent is zero (first sample, counter reset).
func ComputeStats(s *StatsSample) *Stats {
	out := &Stats{}
	if s == nil {
		return out
	}

	cpuDelta := int64(s.CPU.TotalUsage) - int64(s.PreCPU.TotalUsage)
	sysDelta := int64(s.CPU.SystemUsage) - int64(s.PreCPU.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		out.CPUPercent = float64(cpuDelta) / float64(sysDelta) * 100.0
	}

	if s.Memory.Usage >= s.Memory.InactiveFile {
		out.MemoryUsage = s.Memory.Usage - s.Memory.InactiveFile
	} else {
		out.MemoryUsage = s.Memory.Usage
	}
	out.MemoryLimit = s.Memory.Limit
	if s.Memory.Limit > 0 {
		out.MemoryPercent = float64(out.MemoryUsage) / float64(s.Memory.Limit) * 100.0
	}

	for _, n := range s.Networks {
		out.NetworkRx += n.RxBytes
		out.NetworkTx += n.TxBytes
	}

	for _, e := range s.Blkio {
		switch e.Op {
		case "read", "Read", "READ":
			out.BlkRead += e.Value
		case "write", "Write", "WRITE":
			out.BlkWrite += e.Value
		}
	}

	return out
}
