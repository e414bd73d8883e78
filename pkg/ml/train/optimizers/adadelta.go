// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/shardbench/pkg/ml/nn"
)

// AdadeltaDefaultLearningRate is the default learning rate of Adadelta: it scales the adaptive update.
const AdadeltaDefaultLearningRate = 1.0

// Adadelta adapts the learning rate per parameter from running averages of the squared gradients and
// of the squared updates. See [Zeiler, 2012](https://arxiv.org/abs/1212.5701).
func Adadelta() *AdadeltaConfig {
	return &AdadeltaConfig{
		learningRate: AdadeltaDefaultLearningRate,
		rho:          0.9,
		epsilon:      1e-6,
	}
}

// AdadeltaConfig holds the configuration and state of an Adadelta optimizer.
type AdadeltaConfig struct {
	learningRate, rho, epsilon float64

	// accumulators per parameter: squared gradients, squared updates.
	accumulators map[*nn.Param][2][]float64
}

// LearningRate sets the learning rate. Values <= 0 are ignored.
func (c *AdadeltaConfig) LearningRate(value float64) *AdadeltaConfig {
	if value > 0 {
		c.learningRate = value
	}
	return c
}

// Rho sets the decay of the running averages. Defaults to 0.9.
func (c *AdadeltaConfig) Rho(rho float64) *AdadeltaConfig {
	c.rho = rho
	return c
}

// Epsilon added for numeric stability. Defaults to 1e-6.
func (c *AdadeltaConfig) Epsilon(epsilon float64) *AdadeltaConfig {
	c.epsilon = epsilon
	return c
}

// Done returns the configured optimizer.
func (c *AdadeltaConfig) Done() Interface {
	c.accumulators = make(map[*nn.Param][2][]float64)
	return &adadelta{c}
}

type adadelta struct {
	*AdadeltaConfig
}

// Name implements Interface.
func (c *adadelta) Name() string { return "adadelta" }

// LearningRate implements Interface.
func (c *adadelta) LearningRate() float64 { return c.learningRate }

// SetLearningRate implements Interface.
func (c *adadelta) SetLearningRate(lr float64) { c.learningRate = lr }

// Clear implements Interface.
func (c *adadelta) Clear() { clear(c.accumulators) }

// Step implements Interface.
func (c *adadelta) Step(params []*nn.Param) error {
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		acc, found := c.accumulators[p]
		if !found {
			acc = [2][]float64{make([]float64, len(p.Data)), make([]float64, len(p.Data))}
			c.accumulators[p] = acc
		}
		squareGrads, squareDeltas := acc[0], acc[1]
		for i, g := range p.Grad {
			squareGrads[i] = c.rho*squareGrads[i] + (1-c.rho)*g*g
			delta := math.Sqrt(squareDeltas[i]+c.epsilon) / math.Sqrt(squareGrads[i]+c.epsilon) * g
			squareDeltas[i] = c.rho*squareDeltas[i] + (1-c.rho)*delta*delta
			p.Data[i] -= c.learningRate * delta
		}
	}
	return nil
}
