// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"gonum.org/v1/gonum/stat"
)

// Normalization calculates the per-feature mean and standard deviation of the dataset.
//
// Constant features get a standard deviation of 1, so they can be safely used by Normalize.
func Normalization(ds *Dataset) (mean, stddev []float64) {
	mean = make([]float64, ds.NumFeatures)
	stddev = make([]float64, ds.NumFeatures)
	column := make([]float64, ds.Len())
	for f := range ds.NumFeatures {
		for i, input := range ds.Inputs {
			column[i] = input[f]
		}
		mean[f], stddev[f] = stat.MeanStdDev(column, nil)
		if stddev[f] == 0 || stddev[f] != stddev[f] {
			stddev[f] = 1
		}
	}
	return
}

// Normalize returns a copy of the dataset with each feature shifted by mean and scaled by 1/stddev.
// Use the values calculated on the training dataset for both training and evaluation.
func Normalize(ds *Dataset, mean, stddev []float64) *Dataset {
	normalized := *ds
	normalized.Inputs = make([][]float64, ds.Len())
	for i, input := range ds.Inputs {
		out := make([]float64, len(input))
		for f, v := range input {
			out[f] = (v - mean[f]) / stddev[f]
		}
		normalized.Inputs[i] = out
	}
	return &normalized
}
