// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/shard"
	"github.com/gomlx/shardbench/pkg/ml/train"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func toyData(t *testing.T, n int, seed int64) *data.Dataset {
	ds, err := data.Synthetic(data.SyntheticConfig{
		Name: "toy", NumExamples: n, NumFeatures: 8, NumClasses: 3, Noise: 0.05, Seed: seed,
	})
	require.NoError(t, err)
	return ds
}

func soloTrainer(t *testing.T, lr float64) *train.Trainer {
	inv := distributed.NewCPUInventory(1)
	worker := distributed.NewWorker(distributed.DefaultConfig().ForRank(0), inv.Devices[0], inv.Host)
	require.NoError(t, worker.SetActiveDevice(inv.Devices[0]))
	module, err := nn.ModelNet.Build(8, 3, 0.25, 1)
	require.NoError(t, err)
	net, err := shard.Transform(module, shard.AlwaysWrap(), worker.Device, worker, distributed.Solo{}, shard.Options{})
	require.NoError(t, err)
	return train.NewTrainer(net, optimizers.StochasticGradientDescent().WithLearningRate(lr).Done(), distributed.Solo{})
}

func TestLoopRunEpochs(t *testing.T) {
	trainer := soloTrainer(t, 0.01)
	loader := data.NewLoader(toyData(t, 90, 1), nil, 16)
	loop := train.NewLoop(trainer)

	var order []string
	loop.OnStart("start", 0, func(loop *train.Loop, l *data.Loader) error {
		assert.Same(t, loader, l)
		order = append(order, "start")
		return nil
	})
	steps := 0
	loop.OnStep("count", 0, func(loop *train.Loop, batchLoss float64) error {
		steps++
		assert.False(t, math.IsNaN(batchLoss))
		return nil
	})
	var epochLosses []float64
	loop.OnEpoch("late", 10, func(loop *train.Loop, m train.EpochMetrics) error {
		order = append(order, "late")
		return nil
	})
	loop.OnEpoch("early", -10, func(loop *train.Loop, m train.EpochMetrics) error {
		order = append(order, "early")
		assert.Equal(t, 90, m.SampleCount)
		epochLosses = append(epochLosses, m.Mean())
		return nil
	})
	checkpoints := 0
	train.EveryNEpochs(loop, 2, true, "checkpoint", 0, func(loop *train.Loop, m train.EpochMetrics) error {
		checkpoints++
		return nil
	})
	loop.OnEnd("end", 0, func(loop *train.Loop, m train.EpochMetrics) error {
		order = append(order, "end")
		return nil
	})

	metrics, err := loop.RunEpochs(loader, 5)
	require.NoError(t, err)
	assert.Equal(t, 5*6, steps)
	assert.Equal(t, 30, loop.LoopStep)
	assert.Equal(t, 30, loop.EndStep)
	assert.Len(t, loop.EpochDurations, 5)
	assert.Positive(t, loop.MedianTrainStepDuration())
	assert.Equal(t, []string{"start", "early", "late", "early", "late"}, order[:5])
	assert.Equal(t, "end", order[len(order)-1])
	assert.Equal(t, 3, checkpoints, "epochs 2 and 4, plus the end")
	require.Len(t, epochLosses, 5)
	assert.Equal(t, epochLosses[4], metrics.Mean())
	assert.Less(t, epochLosses[4], epochLosses[0])

	eval, err := trainer.Eval(data.NewLoader(toyData(t, 30, 1), nil, 7))
	require.NoError(t, err)
	assert.Equal(t, 30, eval.SampleCount)
	assert.Greater(t, eval.Accuracy(), 0.5)
}

func TestLoopRunSteps(t *testing.T) {
	loop := train.NewLoop(soloTrainer(t, 0.01))
	loader := data.NewLoader(toyData(t, 20, 2), nil, 8)
	var epochs []int
	loop.OnEpoch("epochs", 0, func(loop *train.Loop, m train.EpochMetrics) error {
		epochs = append(epochs, m.SampleCount)
		return nil
	})
	calls := 0
	train.NTimesDuringLoop(loop, 2, "n times", 0, func(loop *train.Loop, _ float64) error {
		calls++
		return nil
	})
	_, err := loop.RunSteps(loader, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, loop.LoopStep)
	// 3 batches per epoch (8+8+4): two full epochs and one step of a third.
	assert.Equal(t, []int{20, 20, 8}, epochs)
	// Evenly spread calls at steps 0 and 3, plus the last step.
	assert.Equal(t, 3, calls)
}

// nanNetwork always produces NaN logits.
type nanNetwork struct{ param *nn.Param }

func (n *nanNetwork) Forward(x *mat.Dense) (*mat.Dense, error) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, 2, nil)
	out.Apply(func(_, _ int, _ float64) float64 { return math.NaN() }, out)
	return out, nil
}
func (n *nanNetwork) Backward(*mat.Dense) error    { return nil }
func (n *nanNetwork) ZeroGrad()                    {}
func (n *nanNetwork) OptimizerParams() []*nn.Param { return []*nn.Param{n.param} }

func TestLoopNaN(t *testing.T) {
	trainer := train.NewTrainer(&nanNetwork{param: nn.NewParam("p", 1)},
		optimizers.StochasticGradientDescent().Done(), distributed.Solo{})
	ds := &data.Dataset{Inputs: [][]float64{{1}, {2}}, Labels: []int{0, 1}, NumFeatures: 1, NumClasses: 2}
	_, err := train.NewLoop(trainer).RunEpochs(data.NewLoader(ds, nil, 2), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
}

func TestWeightedReduction(t *testing.T) {
	// Two workers with different amounts of data: the combined mean is weighted by examples.
	const worldSize = 2
	hub := distributed.NewLocalHub(worldSize)
	inv := distributed.NewCPUInventory(worldSize)
	cfg := distributed.DefaultConfig()
	cfg.Backend = distributed.BackendLocal
	cfg.WorldSize = worldSize
	partial := []train.EpochMetrics{{LossSum: 10, SampleCount: 10}, {LossSum: 30, SampleCount: 5}}
	partialEval := []train.EvalMetrics{{LossSum: 1, Correct: 3, SampleCount: 4}, {LossSum: 3, Correct: 1, SampleCount: 4}}
	err := hub.Launch(context.Background(), func(ctx context.Context, rank int) error {
		rankCfg := cfg.ForRank(rank)
		worker := distributed.NewWorker(rankCfg, inv.Devices[rank], inv.Host)
		pg, err := distributed.Init(ctx, rankCfg, worker, distributed.WithLocalHub(hub))
		if err != nil {
			return err
		}
		trainer := train.NewTrainer(nil, nil, pg)
		m, err := trainer.ReduceEpoch(partial[rank])
		if err != nil {
			return err
		}
		assert.Equal(t, 15, m.SampleCount)
		assert.InDelta(t, 40.0/15.0, m.Mean(), 1e-12)

		unreduced, err := trainer.WithReduce(false).ReduceEpoch(partial[rank])
		if err != nil {
			return err
		}
		assert.Equal(t, partial[rank], unreduced)

		e, err := partialEval[rank].Reduce(pg)
		if err != nil {
			return err
		}
		assert.Equal(t, train.EvalMetrics{LossSum: 4, Correct: 4, SampleCount: 8}, e)
		assert.Equal(t, 0.5, e.Accuracy())
		return pg.Destroy()
	})
	require.NoError(t, err)
}
