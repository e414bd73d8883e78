// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/shardbench/pkg/ml/augment"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(args ...string) (options, error) {
	fs := flag.NewFlagSet("augment", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func TestParseFlags(t *testing.T) {
	opts, err := parse()
	require.NoError(t, err)
	assert.Equal(t, augment.DefaultParams(), opts.params)

	opts, err = parse("-mode=zinb", "-lambda=1, 2,3,4", "-epochs=7", "-seed=9", "-features=30", "-initial-weights")
	require.NoError(t, err)
	assert.Equal(t, augment.ModeZINB, opts.params.Mode)
	assert.Equal(t, augment.ModeZINB, opts.network.Mode)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, opts.params.Lambda)
	assert.Equal(t, 7, opts.params.Epochs)
	assert.Equal(t, int64(9), opts.network.Seed)
	assert.Equal(t, 30, opts.network.NumFeatures)
	assert.True(t, opts.params.InitialWeights)

	for _, args := range [][]string{
		{"-epochs=0"},
		{"-batch-size=0"},
		{"extra"},
	} {
		_, err = parse(args...)
		assert.ErrorIs(t, err, errkind.Configuration, "args %v", args)
	}
	// The flag package formats the errors of flag values without wrapping them.
	for _, arg := range []string{"-mode=poisson", "-lambda=1,2"} {
		_, err = parse(arg)
		assert.Error(t, err, arg)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	opts, err := parse("-features=12", "-examples=64", "-batch-size=16", "-epochs=2", "-hidden=8", "-latent=3",
		"-save-dir="+filepath.Join(dir, "augmenter"), "-metrics-jsonl="+filepath.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), opts))
	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "triplet_loss")
	entries, err := os.ReadDir(filepath.Join(dir, "augmenter"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
