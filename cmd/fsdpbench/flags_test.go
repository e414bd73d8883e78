// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/shardbench/internal/experiment"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (experiment.RunConfig, cliOptions, error) {
	fs := flag.NewFlagSet("fsdpbench", flag.ContinueOnError)
	fs.Int("v", 0, "verbosity, as registered by klog")
	cfg, opts, _, err := parseConfig(fs, args)
	return cfg, opts, err
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, opts, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, experiment.DefaultRunConfig(), cfg)
	assert.False(t, opts.printConfig)
}

func TestParseConfigFlags(t *testing.T) {
	cfg, _, err := parse(t, "-v=2", "-epochs=3", "-batch-size=64", "-mode=spawn", "-task=trivial",
		"-timeout=30s", "-plot=time,memory", "-no-loss=test", "-wrap=always", "-seed=7", "-cpu-offload")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, experiment.ModeSpawn, cfg.Mode)
	assert.Equal(t, experiment.TaskTrivial, cfg.Task)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"time", "memory"}, cfg.Plot)
	assert.Equal(t, []string{"test"}, cfg.NoLoss)
	assert.Equal(t, "always", cfg.Wrap)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.True(t, cfg.CPUOffload)

	_, _, err = parse(t, "-mode=cluster")
	assert.Error(t, err)
	_, _, err = parse(t, "extra")
	assert.Error(t, err)
}

func TestParseConfigShorthands(t *testing.T) {
	cfg, _, err := parse(t, "-no-parallel", "-trivial", "-no-wrap")
	require.NoError(t, err)
	assert.Equal(t, experiment.ModeSingle, cfg.Mode)
	assert.Equal(t, experiment.TaskTrivial, cfg.Task)
	assert.Equal(t, "none", cfg.Wrap)

	cfg, _, err = parse(t, "-multinode")
	require.NoError(t, err)
	assert.Equal(t, experiment.ModeMultiHost, cfg.Mode)

	_, _, err = parse(t, "-no-parallel", "-multinode")
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestParseConfigPrecedence(t *testing.T) {
	preset := filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, os.WriteFile(preset, []byte("epochs: 5\nbatch_size: 32\nmodel: deep\n"), 0o644))

	// Preset < explicit flags < -set.
	cfg, _, err := parse(t, "-config="+preset, "-batch-size=16", "-set=model=deepest;lr=0.1", "-print-config")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, "deepest", cfg.Model)
	assert.Equal(t, 0.1, cfg.LR)

	_, _, err = parse(t, "-config="+filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, _, err = parse(t, "-set=unknown=1")
	assert.Error(t, err)
}
