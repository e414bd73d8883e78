// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of the local workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// smallConfig returns a configuration that trains a narrow "net" model for 2 epochs on 64 examples.
func smallConfig(t *testing.T) RunConfig {
	cfg := DefaultRunConfig()
	cfg.ID = "test"
	cfg.WidthScale = 0.05
	cfg.Epochs = 2
	cfg.BatchSize = 16
	cfg.TestBatchSize = 16
	cfg.TrainExamples = 64
	cfg.TestExamples = 32
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	return cfg
}

// numParamsSmallNet is the size of "net" scaled by 0.05: 784 -> 6 -> 10.
const numParamsSmallNet = 784*6 + 6 + 6*10 + 10

func TestRunSingle(t *testing.T) {
	cfg := smallConfig(t)
	sink := &tracking.Memory{}
	var output syncBuffer
	result, err := RunSingle(context.Background(), cfg, distributed.NewCPUInventory(1),
		WithSink(sink), WithOutput(&output))
	require.NoError(t, err)

	assert.Equal(t, "test", result.ID)
	assert.Equal(t, 0, result.Rank)
	assert.Equal(t, 1, result.WorldSize)
	assert.Equal(t, numParamsSmallNet, result.NumParams)
	assert.Equal(t, 8, result.Steps)
	assert.Len(t, result.EpochDurations, 2)
	assert.Equal(t, 64, result.Train.SampleCount)
	assert.Equal(t, 32, result.Eval.SampleCount)
	require.Len(t, result.MeanAllocated, 1)
	assert.Equal(t, float64(numParamsSmallNet*8), result.MeanAllocated[0])
	assert.Nil(t, result.Sampled)

	_, found := sink.Last("train_loss")
	assert.True(t, found)
	_, found = sink.Last("seconds per epoch")
	assert.True(t, found)

	out := output.String()
	assert.Contains(t, out, "Train Epoch: 1")
	assert.Contains(t, out, "Train Epoch: 2")
	assert.Contains(t, out, "Test set: Average loss")
	assert.Contains(t, out, "Avg seconds per epoch")
	assert.Contains(t, out, "Rank 0 average memory allocated")
}

func TestRunSingleNoLoss(t *testing.T) {
	cfg := smallConfig(t)
	cfg.NoLoss = []string{LossTrain, LossTest}
	cfg.Plot = []string{PlotMemory}
	cfg.Interval = time.Millisecond
	cfg.Runs = 2
	sink := &tracking.Memory{}
	var output syncBuffer
	result, err := RunSingle(context.Background(), cfg, distributed.NewCPUInventory(1),
		WithSink(sink), WithOutput(&output))
	require.NoError(t, err)

	assert.Zero(t, result.Eval.SampleCount)
	assert.Len(t, result.EpochDurations, 4)
	require.NotNil(t, result.Sampled)
	assert.NotEmpty(t, result.Sampled.Samples)
	_, found := sink.Last("rank 0 logger avg memalloc")
	assert.True(t, found)
	_, found = sink.Last("rank 0 memalloc")
	assert.True(t, found)
	_, found = sink.Last("train_loss")
	assert.False(t, found)

	out := output.String()
	assert.NotContains(t, out, "Train Epoch")
	assert.NotContains(t, out, "Test set")
}

func TestRunLocalSharded(t *testing.T) {
	cfg := smallConfig(t)
	cfg.WorldSize = 2
	cfg.Wrap = "always"
	cfg.SaveModel = true
	var output syncBuffer
	results, err := RunLocal(context.Background(), cfg, distributed.NewCPUInventory(2), WithOutput(&output))
	require.NoError(t, err)
	require.Len(t, results, 2)

	for rank, result := range results {
		assert.Equal(t, rank, result.Rank)
		assert.Equal(t, 2, result.WorldSize)
		assert.Equal(t, numParamsSmallNet, result.NumParams)
		// 32 examples per rank, in batches of 16, for 2 epochs.
		assert.Equal(t, 4, result.Steps)
		// Metrics are combined across the workers.
		assert.Equal(t, 64, result.Train.SampleCount)
		assert.Equal(t, 32, result.Eval.SampleCount)
		require.Len(t, result.MeanAllocated, 2)
		assert.Greater(t, result.MeanAllocated[0], 0.0)
		assert.Greater(t, result.MeanAllocated[1], 0.0)
	}
	assert.Equal(t, results[0].MeanAllocated, results[1].MeanAllocated)
	assert.Equal(t, results[0].Eval, results[1].Eval)
	assert.Equal(t, results[0].Train, results[1].Train)

	// Each worker holds about half of the parameters.
	assert.Less(t, results[0].MeanAllocated[0], float64(numParamsSmallNet*8))

	assert.NotEmpty(t, results[0].Checkpoint)
	assert.Empty(t, results[1].Checkpoint)
	loaded, err := checkpoints.Load(cfg.CheckpointDir).Done()
	require.NoError(t, err)
	require.NotNil(t, loaded.Loaded())
	assert.Equal(t, 4, loaded.Loaded().Step)
	assert.Len(t, loaded.Loaded().Tensors, 4)
	assert.Equal(t, 1, strings.Count(output.String(), "Avg seconds per epoch"))

	// Resuming on a single worker continues from the saved step.
	single := cfg
	single.Mode = ModeSingle
	single.SaveModel = false
	single.Resume = true
	single.CheckpointEvery = 1
	result, err := RunSingle(context.Background(), single, distributed.NewCPUInventory(1), WithOutput(&output))
	require.NoError(t, err)
	assert.Equal(t, 8, result.Steps)
	latest, err := checkpoints.Load(cfg.CheckpointDir).Done()
	require.NoError(t, err)
	assert.Equal(t, 4+8, latest.Loaded().Step)
}

func TestRunReplicas(t *testing.T) {
	cfg := smallConfig(t)
	cfg.WorldSize = 2
	cfg.NoFSDP = true
	cfg.NoReduce = true
	var output syncBuffer
	results, err := RunLocal(context.Background(), cfg, distributed.NewCPUInventory(2), WithOutput(&output))
	require.NoError(t, err)
	for _, result := range results {
		// Each replica holds all parameters, and reports only its own partition.
		assert.Equal(t, 32, result.Train.SampleCount)
		assert.Equal(t, 16, result.Eval.SampleCount)
		assert.Equal(t, []float64{numParamsSmallNet * 8, numParamsSmallNet * 8}, result.MeanAllocated)
	}
}

// trainLosses returns the train losses logged to sink, in epoch order.
func trainLosses(sink *tracking.Memory) []float64 {
	var losses []float64
	for _, record := range sink.History {
		if loss, found := record.Metrics["train_loss"]; found {
			losses = append(losses, loss)
		}
	}
	return losses
}

func TestRunLocalOneWorkerMatchesReplica(t *testing.T) {
	cfg := smallConfig(t)
	cfg.WorldSize = 1
	cfg.Wrap = "none"
	cfg.Epochs = 3

	shardedSink := &tracking.Memory{}
	sharded, err := RunLocal(context.Background(), cfg, distributed.NewCPUInventory(1),
		WithSink(shardedSink), WithOutput(&syncBuffer{}))
	require.NoError(t, err)
	require.Len(t, sharded, 1)

	replicaCfg := cfg
	replicaCfg.NoFSDP = true
	replicaSink := &tracking.Memory{}
	replica, err := RunLocal(context.Background(), replicaCfg, distributed.NewCPUInventory(1),
		WithSink(replicaSink), WithOutput(&syncBuffer{}))
	require.NoError(t, err)
	require.Len(t, replica, 1)

	shardedLosses, replicaLosses := trainLosses(shardedSink), trainLosses(replicaSink)
	require.Len(t, shardedLosses, 3)
	assert.InDeltaSlice(t, replicaLosses, shardedLosses, 1e-9)
	assert.InDelta(t, replica[0].Eval.LossSum, sharded[0].Eval.LossSum, 1e-9)
	assert.Equal(t, replica[0].Steps, sharded[0].Steps)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Resume = true
	_, err := RunSingle(context.Background(), cfg, distributed.NewCPUInventory(1), WithOutput(&syncBuffer{}))
	require.Error(t, err)
}

func TestTrivial(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Task = TaskTrivial
	cfg.WorldSize = 3
	cfg.Repeat = 2
	var output syncBuffer
	results, err := RunLocal(context.Background(), cfg, distributed.NewCPUInventory(3), WithOutput(&output))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, result := range results {
		assert.Equal(t, []float64{3, 6, 9}, result.Trivial)
	}
	assert.Equal(t, 6, strings.Count(output.String(), "after all-reduce [3 6 9]"))

	result, err := RunSingle(context.Background(), cfg, distributed.NewCPUInventory(1), WithOutput(&output))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, result.Trivial)
}

func TestRunFromEnv(t *testing.T) {
	env := map[string]string{
		distributed.EnvRank:      "0",
		distributed.EnvWorldSize: "1",
		EnvRunID:                 "env1",
	}
	lookup := func(key string) (string, bool) {
		value, found := env[key]
		return value, found
	}
	cfg := DefaultRunConfig()
	cfg.Task = TaskTrivial
	cfg.Mode = ModeSpawn
	// Even alone, the worker hosts the rendezvous.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	result, err := RunFromEnv(context.Background(), cfg, lookup, false, distributed.NewCPUInventory(1),
		WithOutput(&syncBuffer{}), WithGroupOptions(distributed.WithListener(listener)))
	require.NoError(t, err)
	assert.Equal(t, "env1", result.ID)
	assert.Equal(t, 1, result.WorldSize)
	assert.Equal(t, []float64{1, 2, 3}, result.Trivial)

	env[distributed.EnvRank] = "5"
	env[distributed.EnvWorldSize] = "2"
	_, err = RunFromEnv(context.Background(), cfg, lookup, false, distributed.NewCPUInventory(2),
		WithOutput(&syncBuffer{}))
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestSpawn(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	cfg := DefaultRunConfig()
	cfg.ID = "spwn"
	cfg.WorldSize = 3
	inv := distributed.NewCPUInventory(3)
	script := `test "$SHARDBENCH_SPAWNED_WORKER" = 1 && test "$WORLD_SIZE" = 3 && test "$RANK" -lt 3 && test "$SHARDBENCH_RUN_ID" = spwn`
	require.NoError(t, Spawn(context.Background(), cfg, inv, "/bin/sh", []string{"-c", script}, nil, nil))

	err := Spawn(context.Background(), cfg, inv, "/bin/sh", []string{"-c", `exit "$RANK"`}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker rank")
}

func TestOpenSinks(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultRunConfig()
	cfg.ID = "sink"
	cfg.MetricsJSONL = filepath.Join(dir, "metrics.jsonl")
	for rank := range 2 {
		sinks, err := OpenSinks(cfg, rank)
		require.NoError(t, err)
		require.Len(t, sinks, 2)
		require.NoError(t, sinks.Log(1, tracking.Metrics{"train_loss": 0.5}))
		require.NoError(t, sinks.Close())
	}
	for _, name := range []string{"metrics.jsonl", "metrics-rank1.jsonl"} {
		contents, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Contains(t, string(contents), `"run":"sink"`)
	}

	cfg.MetricsAddr = "127.0.0.1:0"
	sinks, err := OpenSinks(cfg, 0)
	require.NoError(t, err)
	assert.Len(t, sinks, 3)
	require.NoError(t, sinks.Close())
}

func TestLoadDatasets(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Percent = 0.5
	trainDS, testDS, err := LoadDatasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, 32, trainDS.Len())
	assert.Equal(t, 16, testDS.Len())
	assert.Equal(t, 784, trainDS.NumFeatures)

	csvPath := filepath.Join(t.TempDir(), "data.csv")
	var sb strings.Builder
	sb.WriteString("a,b,label\n")
	for i := range 14 {
		sb.WriteString(strings.Join([]string{strconv.Itoa(i), strconv.Itoa(2 * i), strconv.Itoa(i % 2)}, ","))
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(csvPath, []byte(sb.String()), 0o644))
	cfg = smallConfig(t)
	cfg.Data = csvPath
	trainDS, testDS, err = LoadDatasets(cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, trainDS.Len())
	assert.Equal(t, 2, testDS.Len())
	assert.Equal(t, 2, trainDS.NumClasses)

	trainLoader, testLoader, err := NewLoaders(cfg, trainDS, testDS, 0, 1)
	require.NoError(t, err)
	assert.True(t, trainLoader.DropIncompleteBatch)
	assert.True(t, testLoader.DropIncompleteBatch)
}
