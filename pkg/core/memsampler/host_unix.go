// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build unix

package memsampler

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// hostPeakRSS returns the peak resident set size of the process in bytes.
func hostPeakRSS() uint64 {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	maxRSS := uint64(max(usage.Maxrss, 0))
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		// Already in bytes.
		return maxRSS
	}
	// Kilobytes everywhere else.
	return maxRSS * 1024
}
