// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"iter"

	"github.com/gomlx/shardbench/pkg/support/xslices"
	"gonum.org/v1/gonum/mat"
)

// Batch of examples: Inputs has one row per example.
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Loader yields batches of the examples selected by its Partitioner.
type Loader struct {
	Dataset *Dataset

	// Partitioner selects the examples of this rank. If nil, all examples are visited in order.
	Partitioner *Partitioner

	BatchSize int

	// DropIncompleteBatch skips the last batch if it has fewer than BatchSize examples.
	DropIncompleteBatch bool
}

// NewLoader returns a loader over the examples selected by partitioner (nil for all examples).
func NewLoader(ds *Dataset, partitioner *Partitioner, batchSize int) *Loader {
	return &Loader{Dataset: ds, Partitioner: partitioner, BatchSize: batchSize}
}

// SetEpoch forwards the epoch to the partitioner, if any.
func (l *Loader) SetEpoch(epoch int) {
	if l.Partitioner != nil {
		l.Partitioner.SetEpoch(epoch)
	}
}

func (l *Loader) indices() []int {
	if l.Partitioner == nil {
		return xslices.Iota(0, l.Dataset.Len())
	}
	return l.Partitioner.Indices()
}

// NumExamples visited per epoch.
func (l *Loader) NumExamples() int {
	if l.Partitioner == nil {
		return l.Dataset.Len()
	}
	return l.Partitioner.NumSamples()
}

// NumBatches yielded per epoch.
func (l *Loader) NumBatches() int {
	n := l.NumExamples()
	if l.BatchSize <= 0 {
		return 0
	}
	if l.DropIncompleteBatch {
		return n / l.BatchSize
	}
	return (n + l.BatchSize - 1) / l.BatchSize
}

// All yields the batches of the current epoch.
func (l *Loader) All() iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		if l.BatchSize <= 0 {
			return
		}
		indices := l.indices()
		for start := 0; start < len(indices); start += l.BatchSize {
			end := min(start+l.BatchSize, len(indices))
			if l.DropIncompleteBatch && end-start < l.BatchSize {
				return
			}
			if !yield(l.makeBatch(indices[start:end])) {
				return
			}
		}
	}
}

func (l *Loader) makeBatch(indices []int) Batch {
	ds := l.Dataset
	inputs := mat.NewDense(len(indices), ds.NumFeatures, nil)
	labels := make([]int, len(indices))
	for row, idx := range indices {
		inputs.SetRow(row, ds.Inputs[idx])
		labels[row] = ds.Labels[idx]
	}
	return Batch{Inputs: inputs, Labels: labels}
}
