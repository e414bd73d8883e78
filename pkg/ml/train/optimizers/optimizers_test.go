// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimize runs the optimizer on f(x) = sum((x-3)^2) and returns x.
func minimize(t *testing.T, opt Interface, steps int) []float64 {
	p := nn.NewParam("x", 2)
	p.Data[1] = 10
	for range steps {
		for i, x := range p.Data {
			p.Grad[i] = 2 * (x - 3)
		}
		require.NoError(t, opt.Step([]*nn.Param{p}))
	}
	return p.Data
}

func TestOptimizersConverge(t *testing.T) {
	for _, tc := range []struct {
		opt   Interface
		steps int
	}{
		{StochasticGradientDescent().WithLearningRate(0.1).Done(), 200},
		{StochasticGradientDescent().WithLearningRate(0.05).WithMomentum(0.5).Done(), 200},
		{Adam().LearningRate(0.1).Done(), 2000},
		{Adadelta().LearningRate(1.0).Done(), 20000},
	} {
		x := minimize(t, tc.opt, tc.steps)
		assert.InDeltaSlicef(t, []float64{3, 3}, x, 0.05, "optimizer %s", tc.opt.Name())
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"sgd", "adam", "adadelta"} {
		opt, err := ByName(name, 0.5)
		require.NoError(t, err)
		assert.Equal(t, name, opt.Name())
		assert.Equal(t, 0.5, opt.LearningRate())
	}
	opt, err := ByName("adam", 0)
	require.NoError(t, err)
	assert.Equal(t, AdamDefaultLearningRate, opt.LearningRate())
	_, err = ByName("lbfgs", 1)
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestStepNotMaterialized(t *testing.T) {
	p := nn.NewParam("x", 2)
	p.Data = nil
	assert.Error(t, Adam().Done().Step([]*nn.Param{p}))
}

func TestStepLR(t *testing.T) {
	opt := Adadelta().LearningRate(1.0).Done()
	schedule, err := NewStepLR(opt, 1, 0.7)
	require.NoError(t, err)
	schedule.Step()
	assert.InDelta(t, 0.7, opt.LearningRate(), 1e-12)
	schedule.Step()
	assert.InDelta(t, 0.49, opt.LearningRate(), 1e-12)
	assert.Equal(t, 2, schedule.Epoch())

	opt = StochasticGradientDescent().WithLearningRate(1).Done()
	schedule, err = NewStepLR(opt, 2, 0.5)
	require.NoError(t, err)
	schedule.Step()
	assert.Equal(t, 1.0, opt.LearningRate())
	schedule.Step()
	assert.Equal(t, 0.5, opt.LearningRate())

	_, err = NewStepLR(opt, 0, 0.5)
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestCosineSchedule(t *testing.T) {
	assert.InDelta(t, 0.5, CosineSchedule(0, 2, 10, 1, 0), 1e-12)
	assert.InDelta(t, 1.0, CosineSchedule(2, 2, 10, 1, 0), 1e-12)
	assert.InDelta(t, 0.55, CosineSchedule(7, 2, 10, 1, 0.1), 1e-12)
	assert.InDelta(t, 1.0, CosineSchedule(12, 2, 10, 1, 0), 1e-12, "restarts after a period")
}
