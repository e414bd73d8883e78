// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"math"
	"math/rand"

	"github.com/gomlx/shardbench/pkg/ml/nn"
	"gonum.org/v1/gonum/mat"
)

const (
	// RealThreshold binarizes the real samples: values above it are present.
	RealThreshold = 1e-4

	// AugmentedThreshold binarizes the augmented samples in ModeMSE.
	AugmentedThreshold = 1e-3
)

// discriminatorMargin is the loss below which the discriminator is considered good enough and is not
// updated: half of the loss of a discriminator answering 0.5 for everything.
var discriminatorMargin = math.Ln2 / 2

// binarize returns 1 where x is above threshold, and 0 elsewhere.
func binarize(x mat.Matrix, threshold float64) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		if x.At(i, j) > threshold {
			return 1
		}
		return 0
	}, out)
	return out
}

// bernoulli draws 1 with probability probs[i, j] for each element.
func bernoulli(probs mat.Matrix, rng *rand.Rand) *mat.Dense {
	rows, cols := probs.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		if rng.Float64() < probs.At(i, j) {
			return 1
		}
		return 0
	}, out)
	return out
}

// constant returns a column of n values v, used as BCE targets.
func constant(n int, v float64) *mat.Dense {
	out := mat.NewDense(n, 1, nil)
	for i := range n {
		out.Set(i, 0, v)
	}
	return out
}

// tripletLoss is the mean over rows of max(0, d(anchor, positive) - d(anchor, negative) + alpha), where
// d is the binary cross-entropy of a row against the anchor row.
func tripletLoss(anchor, positive, negative *mat.Dense, alpha float64) float64 {
	rows, _ := anchor.Dims()
	if rows == 0 {
		return 0
	}
	var total float64
	for i := range rows {
		a := anchor.RowView(i)
		dPos, _ := nn.BCE(positive.RowView(i), a)
		dNeg, _ := nn.BCE(negative.RowView(i), a)
		total += max(0, dPos-dNeg+alpha)
	}
	return total / float64(rows)
}
