// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memsampler samples the memory usage of a device in the background while a worker trains.
//
// Start launches the sampling goroutine and returns a handle: the goroutine owns the samples, and
// hands them over when Stop is called. Results are only readable after Stop:
//
//	sampler := memsampler.Start(device.Memory, interval)
//	... train ...
//	report, err := sampler.Stop()
//	klog.Infof("rank %d: average memory allocated %.1fMB", rank, report.MeanAllocatedMB())
package memsampler

import (
	"sync/atomic"
	"time"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// DefaultInterval between samples.
const DefaultInterval = time.Second

// Counters are the memory counters sampled, e.g. *distributed.Allocator.
type Counters interface {
	Allocated() uint64
	Peak() uint64
}

// Sample is one reading of the counters. Samples are ordered by Seq, starting at 0.
type Sample struct {
	Seq                int
	Time               time.Time
	AllocatedBytes     uint64
	PeakAllocatedBytes uint64
}

// Report holds the samples taken between Start and Stop, and their means.
type Report struct {
	Samples []Sample

	// MeanAllocated and MeanPeak are the arithmetic means in bytes of the samples.
	MeanAllocated, MeanPeak float64
}

const bytesPerMB = 1 << 20

// MeanAllocatedMB returns the mean allocated memory in MiB.
func (r Report) MeanAllocatedMB() float64 {
	return r.MeanAllocated / bytesPerMB
}

// MaxPeak returns the largest peak reading, in bytes.
func (r Report) MaxPeak() uint64 {
	var peak uint64
	for _, s := range r.Samples {
		peak = max(peak, s.PeakAllocatedBytes)
	}
	return peak
}

// HookFn is called by the sampling goroutine after each sample is taken. It must not block for long.
type HookFn func(s Sample)

// Option configures Start.
type Option func(s *Sampler)

// WithHook registers a function called after each sample, e.g. to forward it to a tracking sink.
func WithHook(hook HookFn) Option {
	return func(s *Sampler) { s.hooks = append(s.hooks, hook) }
}

// WithName sets the name used in log messages, e.g. "rank 3".
func WithName(name string) Option {
	return func(s *Sampler) { s.name = name }
}

// Sampler is the handle of a running sampler. Stop must be called exactly once.
type Sampler struct {
	name     string
	counters Counters
	interval time.Duration
	hooks    []HookFn

	stop     chan struct{}
	done     chan Report
	stopping atomic.Bool
	stopped  atomic.Bool
	report   Report
}

// Start samples counters every interval (DefaultInterval if interval <= 0) until Stop is called.
// The first sample is taken immediately.
func Start(counters Counters, interval time.Duration, opts ...Option) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		name:     "memsampler",
		counters: counters,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan Report, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	klog.V(1).Infof("%s: starting memory sampler every %s", s.name, interval)
	go s.run()
	return s
}

// run is the sampling goroutine: it is the only owner of the samples until it sends the report.
func (s *Sampler) run() {
	var samples []Sample
	take := func() {
		sample := Sample{
			Seq:                len(samples),
			Time:               time.Now(),
			AllocatedBytes:     s.counters.Allocated(),
			PeakAllocatedBytes: s.counters.Peak(),
		}
		samples = append(samples, sample)
		for _, hook := range s.hooks {
			hook(sample)
		}
	}
	take()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			take()
		case <-s.stop:
			take()
			s.done <- newReport(samples)
			return
		}
	}
}

func newReport(samples []Sample) Report {
	r := Report{Samples: samples}
	r.MeanAllocated = xslices.Mean(xslices.Map(samples, func(s Sample) float64 { return float64(s.AllocatedBytes) }))
	r.MeanPeak = xslices.Mean(xslices.Map(samples, func(s Sample) float64 { return float64(s.PeakAllocatedBytes) }))
	return r
}

// Stop signals the sampling goroutine to take its final sample, waits for it, and returns the report.
// Calling Stop more than once returns a Precondition error.
func (s *Sampler) Stop() (Report, error) {
	if !s.stopping.CompareAndSwap(false, true) {
		return Report{}, errkind.Preconditionf("%s: Stop called more than once", s.name)
	}
	close(s.stop)
	s.report = <-s.done
	s.stopped.Store(true)
	klog.V(1).Infof("%s: stopped after %d samples, average memory allocated %.1fMB",
		s.name, len(s.report.Samples), s.report.MeanAllocatedMB())
	return s.report, nil
}

// IsRunning returns whether Stop has not been called yet.
func (s *Sampler) IsRunning() bool {
	return !s.stopping.Load()
}

// Get returns the report of a stopped sampler. Before Stop completes it returns a Precondition error.
func (s *Sampler) Get() (Report, error) {
	if !s.stopped.Load() {
		return Report{}, errkind.Preconditionf("%s: results read while the sampler is running, call Stop first", s.name)
	}
	return s.report, nil
}
