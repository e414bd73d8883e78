// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memsampler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler(t *testing.T) {
	alloc := distributed.NewAllocator(0)
	require.NoError(t, alloc.Alloc(1<<20))

	var hookCalls atomic.Int32
	s := Start(alloc, time.Millisecond, WithName("rank 0"), WithHook(func(Sample) { hookCalls.Add(1) }))
	assert.True(t, s.IsRunning())

	// Reading before stopping is a precondition violation.
	_, err := s.Get()
	require.ErrorIs(t, err, errkind.Precondition)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, alloc.Alloc(1<<20))
	time.Sleep(5 * time.Millisecond)

	report, err := s.Stop()
	require.NoError(t, err)
	assert.False(t, s.IsRunning())
	require.GreaterOrEqual(t, len(report.Samples), 2, "first and final samples are always taken")
	assert.Equal(t, int32(len(report.Samples)), hookCalls.Load())
	for i, sample := range report.Samples {
		assert.Equal(t, i, sample.Seq)
	}

	// Final sample sees the latest allocation.
	last := report.Samples[len(report.Samples)-1]
	assert.Equal(t, uint64(2<<20), last.AllocatedBytes)
	assert.Equal(t, uint64(2<<20), report.MaxPeak())
	assert.GreaterOrEqual(t, report.MeanAllocated, float64(1<<20))
	assert.LessOrEqual(t, report.MeanAllocated, float64(2<<20))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, report, got)

	_, err = s.Stop()
	assert.ErrorIs(t, err, errkind.Precondition)
}

func TestReportMean(t *testing.T) {
	r := newReport([]Sample{
		{Seq: 0, AllocatedBytes: 1 << 20, PeakAllocatedBytes: 2 << 20},
		{Seq: 1, AllocatedBytes: 3 << 20, PeakAllocatedBytes: 4 << 20},
	})
	assert.Equal(t, 2.0, r.MeanAllocatedMB())
	assert.Equal(t, float64(3<<20), r.MeanPeak)
	assert.Equal(t, uint64(4<<20), r.MaxPeak())
}

func TestHostCounters(t *testing.T) {
	var c HostCounters
	assert.Positive(t, c.Allocated())
	report, err := Start(c, time.Millisecond).Stop()
	require.NoError(t, err)
	assert.NotEmpty(t, report.Samples)
}
