// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/pkg/errors"
)

// EpochMetrics accumulates the training loss of an epoch. Workers combine their partial metrics by
// summing them, so the mean is weighted by the number of examples each worker saw.
type EpochMetrics struct {
	LossSum     float64
	SampleCount int
}

// Add the loss sum of a batch with n examples.
func (m *EpochMetrics) Add(lossSum float64, n int) {
	m.LossSum += lossSum
	m.SampleCount += n
}

// Mean loss per example, 0 if no examples were seen.
func (m EpochMetrics) Mean() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return m.LossSum / float64(m.SampleCount)
}

// Reduce sums the metrics of all workers. It is a blocking collective: every worker must call it.
func (m EpochMetrics) Reduce(coll distributed.Collective) (EpochMetrics, error) {
	sum, err := coll.AllReduceSum([]float64{m.LossSum, float64(m.SampleCount)})
	if err != nil {
		return m, errors.WithMessage(err, "reducing train metrics")
	}
	return EpochMetrics{LossSum: sum[0], SampleCount: int(sum[1])}, nil
}

// String implements fmt.Stringer.
func (m EpochMetrics) String() string {
	return fmt.Sprintf("loss: %.6f (%d examples)", m.Mean(), m.SampleCount)
}

// EvalMetrics accumulates the evaluation loss and accuracy.
type EvalMetrics struct {
	LossSum     float64
	Correct     int
	SampleCount int
}

// Mean loss per example.
func (m EvalMetrics) Mean() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return m.LossSum / float64(m.SampleCount)
}

// Accuracy is the fraction of correctly classified examples.
func (m EvalMetrics) Accuracy() float64 {
	if m.SampleCount == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.SampleCount)
}

// Reduce sums the metrics of all workers. It is a blocking collective: every worker must call it.
func (m EvalMetrics) Reduce(coll distributed.Collective) (EvalMetrics, error) {
	sum, err := coll.AllReduceSum([]float64{m.LossSum, float64(m.Correct), float64(m.SampleCount)})
	if err != nil {
		return m, errors.WithMessage(err, "reducing evaluation metrics")
	}
	return EvalMetrics{LossSum: sum[0], Correct: int(sum[1]), SampleCount: int(sum[2])}, nil
}

// String implements fmt.Stringer.
func (m EvalMetrics) String() string {
	return fmt.Sprintf("average loss: %.4f, accuracy: %d/%d (%.2f%%)",
		m.Mean(), m.Correct, m.SampleCount, 100*m.Accuracy())
}
