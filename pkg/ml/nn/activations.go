// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Activation is a parameter-free element-wise module.
type Activation struct {
	name   string
	kind   ActivationKind
	output *mat.Dense
}

// ActivationKind enumerates the supported activations.
type ActivationKind int

const (
	ActivationReLU ActivationKind = iota
	ActivationSigmoid
	ActivationTanh
)

// String implements fmt.Stringer.
func (k ActivationKind) String() string {
	switch k {
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	}
	return "unknown"
}

var _ Module = (*Activation)(nil)

// ReLU returns a rectified linear unit module.
func ReLU(name string) *Activation { return &Activation{name: name, kind: ActivationReLU} }

// Sigmoid returns a logistic module.
func Sigmoid(name string) *Activation { return &Activation{name: name, kind: ActivationSigmoid} }

// Tanh returns a hyperbolic tangent module.
func Tanh(name string) *Activation { return &Activation{name: name, kind: ActivationTanh} }

// Name implements Module.
func (a *Activation) Name() string { return a.name }

// Params implements Module.
func (a *Activation) Params() []*Param { return nil }

// Forward implements Module.
func (a *Activation) Forward(x *mat.Dense) (*mat.Dense, error) {
	var y mat.Dense
	switch a.kind {
	case ActivationReLU:
		y.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, x)
	case ActivationSigmoid:
		y.Apply(func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }, x)
	case ActivationTanh:
		y.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, x)
	default:
		return nil, errors.Errorf("%s: unknown activation %d", a.name, a.kind)
	}
	a.output = &y
	return &y, nil
}

// Backward implements Module.
func (a *Activation) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if a.output == nil {
		return nil, errors.Errorf("%s: Backward called without a Forward", a.name)
	}
	y := a.output
	var grad mat.Dense
	switch a.kind {
	case ActivationReLU:
		grad.Apply(func(i, j int, g float64) float64 {
			if y.At(i, j) > 0 {
				return g
			}
			return 0
		}, gradOutput)
	case ActivationSigmoid:
		grad.Apply(func(i, j int, g float64) float64 {
			s := y.At(i, j)
			return g * s * (1 - s)
		}, gradOutput)
	case ActivationTanh:
		grad.Apply(func(i, j int, g float64) float64 {
			t := y.At(i, j)
			return g * (1 - t*t)
		}, gradOutput)
	}
	a.output = nil
	return &grad, nil
}
