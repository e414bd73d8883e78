// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers that update the (local shards of the) parameters from their
// gradients, and the learning rate schedules.
//
// Optimizers are created with a configuration builder, e.g.:
//
//	opt := optimizers.Adadelta().LearningRate(1.0).Done()
//	schedule := optimizers.NewStepLR(opt, 1, 0.7)
//	for epoch := range numEpochs {
//		... for each batch: backward, then opt.Step(model.OptimizerParams()) ...
//		schedule.Step()
//	}
package optimizers

import (
	"strings"

	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Interface implemented by optimizers.
type Interface interface {
	// Name of the optimizer, e.g. "adam".
	Name() string

	// Step updates the parameters from their gradients. The optimizer keeps per-parameter state (moments,
	// accumulators), keyed by the parameter: always pass the same parameters.
	Step(params []*nn.Param) error

	// LearningRate currently used.
	LearningRate() float64

	// SetLearningRate changes the learning rate, used by schedules.
	SetLearningRate(lr float64)

	// Clear deletes the per-parameter state, as if the optimizer had just been created.
	Clear()
}

// ByName returns a default configured optimizer by name: "sgd", "adam" or "adadelta".
// A learning rate <= 0 uses the optimizer's default.
func ByName(name string, learningRate float64) (Interface, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return StochasticGradientDescent().WithLearningRate(learningRate).Done(), nil
	case "adam":
		return Adam().LearningRate(learningRate).Done(), nil
	case "adadelta":
		return Adadelta().LearningRate(learningRate).Done(), nil
	}
	return nil, errkind.Configurationf("unknown optimizer %q, valid values are sgd, adam and adadelta", name)
}

// checkParam verifies the parameter can be updated.
func checkParam(p *nn.Param) error {
	if p.Data == nil || len(p.Data) != len(p.Grad) {
		return errors.Errorf("parameter %s can't be updated: %d values and %d gradients",
			p.Name, len(p.Data), len(p.Grad))
	}
	return nil
}

// SGDConfig implements a Stochastic Gradient Descent optimizer, with optional momentum.
type SGDConfig struct {
	learningRate float64
	momentum     float64
	velocity     map[*nn.Param][]float64
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// WithLearningRate sets the learning rate. Values <= 0 are ignored.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	if learningRate > 0 {
		sgd.learningRate = learningRate
	}
	return sgd
}

// WithMomentum sets the momentum, 0 (the default) disables it.
func (sgd *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	sgd.momentum = momentum
	return sgd
}

// Done returns an optimizer.Interface.
func (sgd *SGDConfig) Done() Interface {
	sgd.velocity = make(map[*nn.Param][]float64)
	return sgd
}

// Name implements Interface.
func (sgd *SGDConfig) Name() string { return "sgd" }

// LearningRate implements Interface.
func (sgd *SGDConfig) LearningRate() float64 { return sgd.learningRate }

// SetLearningRate implements Interface.
func (sgd *SGDConfig) SetLearningRate(lr float64) { sgd.learningRate = lr }

// Clear implements Interface.
func (sgd *SGDConfig) Clear() { clear(sgd.velocity) }

// Step implements Interface.
func (sgd *SGDConfig) Step(params []*nn.Param) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		if sgd.momentum == 0 {
			floats.AddScaled(p.Data, -sgd.learningRate, p.Grad)
			continue
		}
		v, found := sgd.velocity[p]
		if !found {
			v = make([]float64, len(p.Data))
			sgd.velocity[p] = v
		}
		floats.Scale(sgd.momentum, v)
		floats.Add(v, p.Grad)
		floats.AddScaled(p.Data, -sgd.learningRate, v)
	}
	return nil
}
