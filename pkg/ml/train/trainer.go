// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Network is a model that can be trained: a sharded model (shard.Model) or a replica (shard.Replica).
type Network interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Backward(gradOutput *mat.Dense) error
	ZeroGrad()

	// OptimizerParams are the parameters (or shards of parameters) updated on this worker.
	OptimizerParams() []*nn.Param
}

// Trainer executes training steps and evaluations of a Network on one worker.
type Trainer struct {
	net        Network
	optimizer  optimizers.Interface
	collective distributed.Collective
	reduce     bool
}

// NewTrainer creates a trainer. The collective is used to combine the metrics of the workers; use
// distributed.Solo{} for a single worker.
func NewTrainer(net Network, optimizer optimizers.Interface, collective distributed.Collective) *Trainer {
	return &Trainer{net: net, optimizer: optimizer, collective: collective, reduce: true}
}

// WithReduce configures whether the epoch metrics are combined across workers. Defaults to true.
// Without it, each worker reports only its own partition.
func (t *Trainer) WithReduce(reduce bool) *Trainer {
	t.reduce = reduce
	return t
}

// Network trained.
func (t *Trainer) Network() Network { return t.net }

// Optimizer used.
func (t *Trainer) Optimizer() optimizers.Interface { return t.optimizer }

// Collective used to reduce the metrics.
func (t *Trainer) Collective() distributed.Collective { return t.collective }

// TrainStep runs forward, loss, backward and the optimizer step on one batch. It returns the summed loss of the batch.
func (t *Trainer) TrainStep(batch data.Batch) (lossSum float64, err error) {
	t.net.ZeroGrad()
	logits, err := t.net.Forward(batch.Inputs)
	if err != nil {
		return 0, err
	}
	lossSum, _, grad, err := nn.LogSoftmaxNLL(logits, batch.Labels)
	if err != nil {
		return 0, err
	}
	if err = t.net.Backward(grad); err != nil {
		return 0, err
	}
	if err = t.optimizer.Step(t.net.OptimizerParams()); err != nil {
		return 0, errors.WithMessagef(err, "optimizer %s", t.optimizer.Name())
	}
	return lossSum, nil
}

// ReduceEpoch combines the epoch metrics of all workers, if reducing is enabled and there is more than one worker.
func (t *Trainer) ReduceEpoch(m EpochMetrics) (EpochMetrics, error) {
	if !t.reduce || t.collective.WorldSize() <= 1 {
		return m, nil
	}
	return m.Reduce(t.collective)
}

// Eval runs the network over all batches of the loader, without backward passes or updates, and returns
// the metrics combined across workers (if reducing).
func (t *Trainer) Eval(loader *data.Loader) (EvalMetrics, error) {
	var m EvalMetrics
	for batch := range loader.All() {
		logits, err := t.net.Forward(batch.Inputs)
		if err != nil {
			return m, errors.WithMessage(err, "evaluation")
		}
		lossSum, correct, _, err := nn.LogSoftmaxNLL(logits, batch.Labels)
		if err != nil {
			return m, errors.WithMessage(err, "evaluation")
		}
		m.LossSum += lossSum
		m.Correct += correct
		m.SampleCount += batch.Size()
	}
	if !t.reduce || t.collective.WorldSize() <= 1 {
		return m, nil
	}
	return m.Reduce(t.collective)
}
