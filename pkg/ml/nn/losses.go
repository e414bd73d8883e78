// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogSoftmaxNLL computes the negative log-likelihood of labels under the softmax of logits, summed over the
// batch (not averaged), so partial sums from several workers can be added up.
//
// It returns the summed loss, the number of examples whose arg-max prediction matches the label, and
// the gradient of the summed loss with respect to the logits.
func LogSoftmaxNLL(logits *mat.Dense, labels []int) (lossSum float64, correct int, grad *mat.Dense, err error) {
	rows, numClasses := logits.Dims()
	if rows != len(labels) {
		return 0, 0, nil, errors.Errorf("LogSoftmaxNLL: %d logits rows for %d labels", rows, len(labels))
	}
	grad = mat.NewDense(rows, numClasses, nil)
	for r, label := range labels {
		if label < 0 || label >= numClasses {
			return 0, 0, nil, errors.Errorf("LogSoftmaxNLL: label %d out of range [0, %d)", label, numClasses)
		}
		row := logits.RawRowView(r)
		logSumExp := floats.LogSumExp(row)
		lossSum += logSumExp - row[label]
		if floats.MaxIdx(row) == label {
			correct++
		}
		gradRow := grad.RawRowView(r)
		for j, v := range row {
			gradRow[j] = math.Exp(v - logSumExp)
		}
		gradRow[label] -= 1
	}
	return
}

// MSE returns the mean squared error between prediction and target, averaged over all elements,
// and its gradient with respect to the prediction.
func MSE(prediction, target mat.Matrix) (loss float64, grad *mat.Dense) {
	rows, cols := prediction.Dims()
	n := float64(rows * cols)
	grad = mat.NewDense(rows, cols, nil)
	grad.Sub(prediction, target)
	for _, d := range grad.RawMatrix().Data {
		loss += d * d
	}
	grad.Scale(2/n, grad)
	return loss / n, grad
}

// bceEpsilon keeps the logarithms of BCE finite.
const bceEpsilon = 1e-12

// BCE returns the binary cross-entropy between probabilities in [0, 1] and targets in [0, 1], averaged over
// all elements, and its gradient with respect to the probabilities.
func BCE(probabilities, target mat.Matrix) (loss float64, grad *mat.Dense) {
	rows, cols := probabilities.Dims()
	n := float64(rows * cols)
	grad = mat.NewDense(rows, cols, nil)
	for i := range rows {
		for j := range cols {
			p := min(max(probabilities.At(i, j), bceEpsilon), 1-bceEpsilon)
			y := target.At(i, j)
			loss -= y*math.Log(p) + (1-y)*math.Log(1-p)
			grad.Set(i, j, (p-y)/(p*(1-p))/n)
		}
	}
	return loss / n, grad
}
