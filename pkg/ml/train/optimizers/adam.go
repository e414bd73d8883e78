// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/shardbench/pkg/ml/nn"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration and the state of an Adam optimizer.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64

	step    map[*nn.Param]int
	moments map[*nn.Param][2][]float64
}

// LearningRate sets the base learning rate. Values <= 0 are ignored.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	if value > 0 {
		c.learningRate = value
	}
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Interface {
	c.step = make(map[*nn.Param]int)
	c.moments = make(map[*nn.Param][2][]float64)
	return &adam{c}
}

type adam struct {
	*AdamConfig
}

// Name implements Interface.
func (a *adam) Name() string { return "adam" }

// LearningRate implements Interface.
func (a *adam) LearningRate() float64 { return a.learningRate }

// SetLearningRate implements Interface.
func (a *adam) SetLearningRate(lr float64) { a.learningRate = lr }

// Clear implements Interface.
func (a *adam) Clear() {
	clear(a.step)
	clear(a.moments)
}

// Step implements Interface.
func (a *adam) Step(params []*nn.Param) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		m, found := a.moments[p]
		if !found {
			m = [2][]float64{make([]float64, len(p.Data)), make([]float64, len(p.Data))}
			a.moments[p] = m
		}
		a.step[p]++
		t := float64(a.step[p])
		debias1 := 1 - math.Pow(a.beta1, t)
		debias2 := 1 - math.Pow(a.beta2, t)
		mean, variance := m[0], m[1]
		for i, g := range p.Grad {
			mean[i] = a.beta1*mean[i] + (1-a.beta1)*g
			variance[i] = a.beta2*variance[i] + (1-a.beta2)*g*g
			update := (mean[i] / debias1) / (math.Sqrt(variance[i]/debias2) + a.epsilon)
			if a.weightDecay > 0 {
				update += a.weightDecay * p.Data[i]
			}
			p.Data[i] -= a.learningRate * update
		}
	}
	return nil
}
