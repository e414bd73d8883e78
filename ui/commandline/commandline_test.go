// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/shard"
	"github.com/gomlx/shardbench/pkg/ml/train"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatting(t *testing.T) {
	assert.Equal(t, "1.50ms", FormatDuration(1500*time.Microsecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "12.35µs", FormatDuration(12346*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second+400*time.Millisecond))
	assert.Equal(t, "500ns", FormatDuration(500))
	assert.Equal(t, "12.50MB", FormatMB(12.5*(1<<20)))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))

	eval := train.EvalMetrics{LossSum: 5, Correct: 9, SampleCount: 10}
	assert.Equal(t, "Test set: Average loss: 0.5000, Accuracy: 9/10 (90.00%)", SprintEval("Test", eval))
	epoch := train.EpochMetrics{LossSum: 3, SampleCount: 4}
	assert.Contains(t, SprintTrainEpoch(2, epoch, 1, 1<<20), "Train Epoch: 2 \tLoss: 0.750000")
	assert.Contains(t, SprintTrainEpoch(2, epoch, 1, 1<<20), "Rank 1 memory allocated: 1.00MB")
}

func TestSprintSummary(t *testing.T) {
	s := SprintSummary("summary", []SummaryRow{{"avg seconds per epoch", "1.25"}, {"parameters", "101_770"}})
	assert.Contains(t, s, "summary")
	assert.Contains(t, s, "avg seconds per epoch")
	assert.Contains(t, s, "101_770")
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	Output = &out
	defer func() { Output = os.Stdout }()

	ds, err := data.Synthetic(data.SyntheticConfig{Name: "toy", NumExamples: 32, NumFeatures: 4, NumClasses: 2, Noise: 0.1, Seed: 1})
	require.NoError(t, err)
	loader := data.NewLoader(ds, nil, 8)

	inv := distributed.NewCPUInventory(1)
	worker := distributed.NewWorker(distributed.DefaultConfig().ForRank(0), inv.Devices[0], inv.Host)
	require.NoError(t, worker.SetActiveDevice(inv.Devices[0]))
	module, err := nn.ModelNet.Build(4, 2, 0.1, 1)
	require.NoError(t, err)
	net, err := shard.Transform(module, shard.NoWrap(), worker.Device, worker, distributed.Solo{}, shard.Options{})
	require.NoError(t, err)
	opt := optimizers.StochasticGradientDescent().WithLearningRate(0.1).Done()
	loop := train.NewLoop(train.NewTrainer(net, opt, distributed.Solo{}))

	var extraCalls int
	AttachProgressBar(loop, func() (string, string) {
		extraCalls++
		return "Memory", FormatBytes(inv.Devices[0].Memory.Allocated())
	})
	_, err = loop.RunEpochs(loader, 2)
	require.NoError(t, err)
	// The last step is always drawn, whatever the redraw interval.
	assert.Contains(t, out.String(), "Median train step duration")
	assert.Contains(t, out.String(), "8 of 8")
	assert.Contains(t, out.String(), "Last epoch loss")
	assert.Positive(t, extraCalls)
}
