// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Linear performs a linear transformation: y = x @ weight^T + bias.
//
// weight has shape [out_features, in_features].
type Linear struct {
	name         string
	In, Out      int
	Weight, Bias *Param

	input *mat.Dense
}

var _ Module = (*Linear)(nil)

// NewLinear creates a Linear layer with weights and bias initialized uniformly in [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		name:   name,
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", out, in),
		Bias:   NewParam(name+".bias", out),
	}
	bound := 1 / math.Sqrt(float64(in))
	for _, p := range []*Param{l.Weight, l.Bias} {
		for i := range p.Data {
			p.Data[i] = (2*rng.Float64() - 1) * bound
		}
	}
	return l
}

// Name implements Module.
func (l *Linear) Name() string { return l.name }

// Params implements Module.
func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

// Forward implements Module.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	if err := l.Weight.checkMaterialized(); err != nil {
		return nil, err
	}
	if err := l.Bias.checkMaterialized(); err != nil {
		return nil, err
	}
	rows, cols := x.Dims()
	if cols != l.In {
		return nil, errors.Errorf("%s: input has %d features, expected %d", l.name, cols, l.In)
	}
	w := mat.NewDense(l.Out, l.In, l.Weight.Data)
	y := mat.NewDense(rows, l.Out, nil)
	y.Mul(x, w.T())
	for r := range rows {
		row := y.RawRowView(r)
		for j, b := range l.Bias.Data {
			row[j] += b
		}
	}
	l.input = x
	return y, nil
}

// Backward implements Module.
func (l *Linear) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if l.input == nil {
		return nil, errors.Errorf("%s: Backward called without a Forward", l.name)
	}
	if err := l.Weight.checkMaterialized(); err != nil {
		return nil, err
	}
	if err := l.Bias.checkMaterialized(); err != nil {
		return nil, err
	}
	rows, _ := gradOutput.Dims()

	// dW += gradOutput^T @ input
	gradW := mat.NewDense(l.Out, l.In, l.Weight.Grad)
	var delta mat.Dense
	delta.Mul(gradOutput.T(), l.input)
	gradW.Add(gradW, &delta)

	for r := range rows {
		for j, g := range gradOutput.RawRowView(r) {
			l.Bias.Grad[j] += g
		}
	}

	w := mat.NewDense(l.Out, l.In, l.Weight.Data)
	gradInput := mat.NewDense(rows, l.In, nil)
	gradInput.Mul(gradOutput, w)
	l.input = nil
	return gradInput, nil
}
