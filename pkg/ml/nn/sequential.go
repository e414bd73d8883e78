// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Sequential chains its children: the output of each is the input of the next.
type Sequential struct {
	name     string
	children []Module
}

var _ Container = (*Sequential)(nil)

// NewSequential creates a Sequential container.
func NewSequential(name string, children ...Module) *Sequential {
	return &Sequential{name: name, children: children}
}

// Name implements Module.
func (s *Sequential) Name() string { return s.name }

// Params implements Module: Sequential owns no parameters itself.
func (s *Sequential) Params() []*Param { return nil }

// Children implements Container.
func (s *Sequential) Children() []Module { return s.children }

// SetChild implements Container.
func (s *Sequential) SetChild(i int, child Module) { s.children[i] = child }

// Append adds modules to the end of the chain.
func (s *Sequential) Append(modules ...Module) *Sequential {
	s.children = append(s.children, modules...)
	return s
}

// Forward implements Module.
func (s *Sequential) Forward(x *mat.Dense) (*mat.Dense, error) {
	var err error
	for _, child := range s.children {
		x, err = child.Forward(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s.Forward", s.name)
		}
	}
	return x, nil
}

// Backward implements Module.
func (s *Sequential) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	var err error
	for i := len(s.children) - 1; i >= 0; i-- {
		gradOutput, err = s.children[i].Backward(gradOutput)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s.Backward", s.name)
		}
	}
	return gradOutput, nil
}
