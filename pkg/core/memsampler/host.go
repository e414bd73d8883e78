// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memsampler

import "runtime"

// HostCounters reads the memory of the current process: the Go heap in use, and the peak resident set
// size reported by the operating system (0 where not available).
type HostCounters struct{}

var _ Counters = HostCounters{}

// Allocated implements Counters.
func (HostCounters) Allocated() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Peak implements Counters.
func (HostCounters) Peak() uint64 {
	return hostPeakRSS()
}
