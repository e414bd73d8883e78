// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records named metrics of an experiment (losses, timings, memory readings) to
// one or more sinks: the log, a JSON-lines file or a Prometheus registry.
//
// Sinks are safe for concurrent use: the memory sampler logs from its own goroutine while the
// training loop logs from the worker's.
package tracking

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metrics maps a metric name (e.g. "train loss", "rank 0 memalloc") to its value.
type Metrics map[string]float64

// Sink receives metrics.
type Sink interface {
	// Log records the metrics for the given step. The step is whatever is meaningful to the caller:
	// an epoch, a training step or a sample sequence number.
	Log(step int, metrics Metrics) error

	// Close flushes and releases the sink. Logging after Close is an error.
	Close() error
}

// Discard is a Sink that ignores everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(int, Metrics) error { return nil }
func (discard) Close() error           { return nil }

// sortedNames returns the metric names in a stable order, for output.
func sortedNames(metrics Metrics) []string {
	return slices.Sorted(maps.Keys(metrics))
}

// Klog is a Sink that logs the metrics with klog, one line per call.
type Klog struct {
	// Prefix of each line, e.g. "rank 0".
	Prefix string

	// Verbosity at which to log: 0 always logs.
	Verbosity klog.Level
}

// Log implements Sink.
func (k *Klog) Log(step int, metrics Metrics) error {
	if !klog.V(k.Verbosity).Enabled() {
		return nil
	}
	var sb strings.Builder
	for i, name := range sortedNames(metrics) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name)
		sb.WriteString("=")
		sb.WriteString(formatValue(metrics[name]))
	}
	klog.V(k.Verbosity).Infof("%s step %d: %s", k.Prefix, step, sb.String())
	return nil
}

// Close implements Sink.
func (k *Klog) Close() error { return nil }

// Multi fans out to all its sinks. Errors are collected: a failing sink doesn't stop the others.
type Multi []Sink

// Log implements Sink.
func (m Multi) Log(step int, metrics Metrics) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Log(step, metrics); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors("log", errs)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors("close", errs)
}

func joinErrors(op string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.Errorf("%d sinks failed to %s: %s", len(errs), op, strings.Join(msgs, "; "))
}

// Memory is a Sink that keeps everything in memory, mostly useful for tests and summaries.
type Memory struct {
	mu      sync.Mutex
	History []Record
}

// Record is one call to Sink.Log.
type Record struct {
	Step    int
	Metrics Metrics
}

// Log implements Sink.
func (m *Memory) Log(step int, metrics Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = append(m.History, Record{Step: step, Metrics: maps.Clone(metrics)})
	return nil
}

// Close implements Sink.
func (m *Memory) Close() error { return nil }

// Last returns the last value logged for the metric name.
func (m *Memory) Last(name string) (value float64, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.History) - 1; i >= 0; i-- {
		if value, found = m.History[i].Metrics[name]; found {
			return
		}
	}
	return 0, false
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
