// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"regexp"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveCheckpoint(t *testing.T, dir string, step int, params map[string]any) {
	handler, err := checkpoints.Build(dir).Keep(-1).Done()
	require.NoError(t, err)
	ones := make([]float64, 100*100)
	for i := range ones {
		ones[i] = 1
	}
	require.NoError(t, handler.Save(step, []nn.NamedTensor{
		{Name: "net.block0.linear.weight", Shape: []int{100, 100}, Data: ones},
		{Name: "net.block0.linear.bias", Shape: []int{100}, Data: make([]float64, 100)},
		{Name: "net.output.weight", Shape: []int{1, 2}, Data: []float64{-3, 4}},
	}, params))
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a/b"}, minimalUniquePaths("a/b"))
	assert.Equal(t, []string{"run1", "run2"}, minimalUniquePaths("/tmp/run1/ckpt", "/tmp/run2/ckpt"))
	assert.Equal(t, []string{"x...c", "y...d"}, minimalUniquePaths("x/b/c", "y/b/d"))
}

func TestTensorStats(t *testing.T) {
	mav, rms, maxAV := tensorStats([]float64{-3, 4})
	assert.InDelta(t, 3.5, mav, 1e-12)
	assert.InDelta(t, math.Sqrt(12.5), rms, 1e-12)
	assert.InDelta(t, 4, maxAV, 1e-12)

	rows := variablesRows([]nn.NamedTensor{
		{Name: "b", Shape: []int{1}, Data: []float64{2}},
		{Name: "a", Shape: []int{2}, Data: []float64{-3, 4}},
		{Name: "other", Shape: []int{1}, Data: []float64{0}},
	}, "")
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "[2]", "2", "16 B", "3.5", "3.54", "4"}, rows[0])
	assert.Equal(t, "       2", rows[1][4])
	assert.Len(t, variablesRows(prefixedTensors(), "net."), 1)
}

func prefixedTensors() []nn.NamedTensor {
	return []nn.NamedTensor{{Name: "net.x", Data: []float64{1}}, {Name: "opt.x", Data: []float64{1}}}
}

func TestParamsRows(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	saveCheckpoint(t, dir1, 3, map[string]any{"model": "net", "wrap": "always"})
	saveCheckpoint(t, dir2, 5, map[string]any{"model": "net", "wrap": "none", "id": "ab12"})
	loaded, err := loadCheckpoints([]string{dir1, dir2})
	require.NoError(t, err)
	assert.Equal(t, 3, loaded[0].Checkpoint.Step)
	assert.Equal(t, 5, loaded[1].Checkpoint.Step)

	rows, differ := paramsRows(loaded)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "string", "", "ab12"}, rows[0])
	assert.Equal(t, []string{"model", "string", "net", "net"}, rows[1])
	assert.Equal(t, []bool{true, false, true}, differ)

	_, err = loadCheckpoints([]string{t.TempDir()})
	assert.Error(t, err, "no checkpoint to load")
}

func TestDeleteVars(t *testing.T) {
	dir := t.TempDir()
	saveCheckpoint(t, dir, 7, map[string]any{"model": "net"})
	require.NoError(t, DeleteVars(dir, "net.block0."))

	handler, err := checkpoints.Load(dir).Keep(-1).Done()
	require.NoError(t, err)
	loaded := handler.Loaded()
	assert.Equal(t, 7, loaded.Step)
	assert.Equal(t, "net", loaded.Params["model"])
	require.Len(t, loaded.Tensors, 1)
	assert.Equal(t, "net.output.weight", loaded.Tensors[0].Name)
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 2, "the original checkpoint is kept")
}

func TestPerturbVars(t *testing.T) {
	dir := t.TempDir()
	saveCheckpoint(t, dir, 1, nil)

	const perturbAmount = 0.1
	require.NoError(t, PerturbVars(dir, perturbAmount, 1))

	handler, err := checkpoints.Load(dir).Done()
	require.NoError(t, err)
	perturbed := handler.Loaded().Tensor("net.block0.linear.weight")
	require.NotNil(t, perturbed)
	var lowerCount, higherCount int
	for _, v := range perturbed.Data {
		require.Greater(t, v, 1.0-perturbAmount)
		require.Less(t, v, 1.0+perturbAmount)
		if v < 1.0 {
			lowerCount++
		} else if v > 1.0 {
			higherCount++
		}
	}
	totalCount := len(perturbed.Data)
	// At least 99% of the values must have changed.
	require.Greater(t, lowerCount+higherCount, 99*totalCount/100)

	// The difference of values moving up and down < 10%.
	diffCount := lowerCount - higherCount
	if diffCount < 0 {
		diffCount = -diffCount
	}
	require.Less(t, diffCount, 10*totalCount/100)
}

func TestMetricsTable(t *testing.T) {
	entries := []tracking.Entry{
		{Run: "a", Step: 2, Metrics: tracking.Metrics{"train_loss": 0.5}},
		{Run: "a", Step: 1, Metrics: tracking.Metrics{"train_loss": 0.75, "test_accuracy": 0.9}},
		{Run: "b", Step: 1, Metrics: tracking.Metrics{"train_loss": 0.8}},
	}
	header, rows := metricsTable(entries, nil, "")
	assert.Equal(t, []string{"Step", "a: test_accuracy", "a: train_loss", "b: train_loss"}, header)
	assert.Equal(t, [][]string{
		{"1", "90.00%", "0.75", "0.8"},
		{"2", "", "0.5", ""},
	}, rows)

	header, rows = metricsTable(entries, regexp.MustCompile("loss$"), "a")
	assert.Equal(t, []string{"Step", "train_loss"}, header)
	assert.Equal(t, [][]string{{"1", "0.75"}, {"2", "0.5"}}, rows)
}

func TestReport(t *testing.T) {
	r := &report{title: "Parameters", header: []string{"Name", "Value"}, align: []lipgloss.Position{lipgloss.Right}}
	r.add(false, "lr", "0.1")
	r.add(true, "seed", "1")
	assert.Equal(t, []bool{false, true}, r.differ)
	assert.Equal(t, lipgloss.Right, r.alignment(5))
	out := r.String()
	for _, want := range []string{"Parameters", "Name", "lr", "0.1", "seed"} {
		assert.Contains(t, out, want)
	}
	assert.Contains(t, glossary([2]string{"RMS", "Root Mean Square"}), "Root Mean Square")
}
