// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/shardbench/pkg/support/errkind"
)

// StepLR decays the learning rate of an optimizer by gamma every stepSize epochs.
type StepLR struct {
	opt          Interface
	initialLR    float64
	stepSize     int
	gamma        float64
	currentEpoch int
}

// NewStepLR creates the schedule for opt, starting from its current learning rate.
func NewStepLR(opt Interface, stepSize int, gamma float64) (*StepLR, error) {
	if stepSize <= 0 {
		return nil, errkind.Configurationf("StepLR step size must be > 0, got %d", stepSize)
	}
	if gamma <= 0 {
		return nil, errkind.Configurationf("StepLR gamma must be > 0, got %g", gamma)
	}
	return &StepLR{opt: opt, initialLR: opt.LearningRate(), stepSize: stepSize, gamma: gamma}, nil
}

// Step is called at the end of each epoch, and updates the optimizer's learning rate.
func (s *StepLR) Step() {
	s.currentEpoch++
	s.opt.SetLearningRate(s.initialLR * math.Pow(s.gamma, float64(s.currentEpoch/s.stepSize)))
}

// Epoch is the number of calls to Step so far.
func (s *StepLR) Epoch() int {
	return s.currentEpoch
}

// CosineSchedule returns the learning rate at step of a cosine annealing schedule: after warmUpSteps of
// linear increase from 0, it decays from learningRate to minLearningRate over each period of periodSteps,
// restarting at each period.
func CosineSchedule(step, warmUpSteps, periodSteps int, learningRate, minLearningRate float64) float64 {
	if step < warmUpSteps {
		return learningRate * float64(step+1) / float64(warmUpSteps)
	}
	if periodSteps <= 0 {
		return learningRate
	}
	position := float64((step-warmUpSteps)%periodSteps) / float64(periodSteps)
	cosine := (1 + math.Cos(math.Pi*position)) / 2
	return minLearningRate + (learningRate-minLearningRate)*cosine
}
