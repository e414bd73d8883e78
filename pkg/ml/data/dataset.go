// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data holds the in-memory datasets used by the benchmark, and splits them across workers:
// the Partitioner gives each rank a disjoint, deterministic share of the examples for each epoch, and the
// Loader groups a rank's share into batches.
package data

import (
	"math"
	"math/rand"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
)

// Dataset is a classification dataset held in memory: one feature vector and one class label per example.
type Dataset struct {
	Name        string
	Inputs      [][]float64
	Labels      []int
	NumFeatures int
	NumClasses  int
}

// Len returns the number of examples.
func (ds *Dataset) Len() int {
	return len(ds.Labels)
}

// Validate checks the dataset is consistent.
func (ds *Dataset) Validate() error {
	if len(ds.Inputs) != len(ds.Labels) {
		return errors.Errorf("dataset %q has %d inputs and %d labels", ds.Name, len(ds.Inputs), len(ds.Labels))
	}
	for i, input := range ds.Inputs {
		if len(input) != ds.NumFeatures {
			return errors.Errorf("dataset %q example #%d has %d features, expected %d",
				ds.Name, i, len(input), ds.NumFeatures)
		}
		if ds.Labels[i] < 0 || ds.Labels[i] >= ds.NumClasses {
			return errors.Errorf("dataset %q example #%d has label %d, expected [0, %d)",
				ds.Name, i, ds.Labels[i], ds.NumClasses)
		}
	}
	return nil
}

// Subset returns a view of the first int(Len()*percent) examples. The percent must be in (0, 1].
func (ds *Dataset) Subset(percent float64) (*Dataset, error) {
	if percent <= 0 || percent > 1 || math.IsNaN(percent) {
		return nil, errkind.Configurationf("dataset %q: percent of data to use must be in (0, 1], got %g", ds.Name, percent)
	}
	n := int(float64(ds.Len()) * percent)
	sub := *ds
	sub.Inputs = ds.Inputs[:n]
	sub.Labels = ds.Labels[:n]
	return &sub, nil
}

// Split returns views of the first n examples and of the remaining ones, named "<name>-<firstName>"
// and "<name>-<restName>".
func (ds *Dataset) Split(n int, firstName, restName string) (first, rest *Dataset, err error) {
	if n < 0 || n > ds.Len() {
		return nil, nil, errkind.Configurationf("dataset %q: cannot split at %d, it has %d examples", ds.Name, n, ds.Len())
	}
	a, b := *ds, *ds
	a.Name, b.Name = ds.Name+"-"+firstName, ds.Name+"-"+restName
	a.Inputs, a.Labels = ds.Inputs[:n], ds.Labels[:n]
	b.Inputs, b.Labels = ds.Inputs[n:], ds.Labels[n:]
	return &a, &b, nil
}

// SyntheticConfig describes a generated classification dataset: examples of each class are
// scattered around a random centroid in [0, 1]^NumFeatures.
type SyntheticConfig struct {
	Name        string
	NumExamples int
	NumFeatures int
	NumClasses  int

	// Noise is the standard deviation of the examples around their class centroid.
	Noise float64

	// Seed makes the generation deterministic: the same seed yields the same dataset on every worker.
	Seed int64
}

// MNISTLike returns the configuration of a synthetic dataset shaped like MNIST (28x28 features,
// 10 classes), with numExamples examples.
func MNISTLike(name string, numExamples int, seed int64) SyntheticConfig {
	return SyntheticConfig{
		Name:        name,
		NumExamples: numExamples,
		NumFeatures: 28 * 28,
		NumClasses:  10,
		Noise:       0.2,
		Seed:        seed,
	}
}

// Synthetic generates the dataset described by cfg.
func Synthetic(cfg SyntheticConfig) (*Dataset, error) {
	if cfg.NumExamples < 0 || cfg.NumFeatures <= 0 || cfg.NumClasses <= 0 {
		return nil, errkind.Configurationf("invalid synthetic dataset %+v", cfg)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	centroids := make([][]float64, cfg.NumClasses)
	for c := range centroids {
		centroids[c] = make([]float64, cfg.NumFeatures)
		for f := range centroids[c] {
			centroids[c][f] = rng.Float64()
		}
	}
	ds := &Dataset{
		Name:        cfg.Name,
		Inputs:      make([][]float64, cfg.NumExamples),
		Labels:      make([]int, cfg.NumExamples),
		NumFeatures: cfg.NumFeatures,
		NumClasses:  cfg.NumClasses,
	}
	for i := range ds.Inputs {
		label := rng.Intn(cfg.NumClasses)
		input := make([]float64, cfg.NumFeatures)
		for f := range input {
			input[f] = min(max(centroids[label][f]+cfg.Noise*rng.NormFloat64(), 0), 1)
		}
		ds.Inputs[i] = input
		ds.Labels[i] = label
	}
	return ds, nil
}
