// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements the small dense networks trained by the benchmark: parameters, modules with
// explicit forward and backward passes on gonum matrices, a builder of multi-layer perceptrons from
// (in, out) dimension pairs and the losses.
//
// Modules form a tree: containers (like Sequential) hold children, and leaves (like Linear) own parameters.
// The tree is what the sharding transformer walks to decide its units, and a module's children can be
// replaced in place (see Container.SetChild) with wrapped versions.
package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable parameter: a flat float64 vector with a logical shape, and its gradient.
//
// A Param whose Data is nil is not materialized: its values live elsewhere (e.g. sharded across workers),
// and using it in a forward or backward pass is an error.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParam creates a zero-initialized parameter with the given shape.
func NewParam(name string, shape ...int) *Param {
	p := &Param{Name: name, Shape: shape}
	p.Data = make([]float64, p.Size())
	p.Grad = make([]float64, p.Size())
	return p
}

// Size is the number of elements of the parameter.
func (p *Param) Size() int {
	size := 1
	for _, dim := range p.Shape {
		size *= dim
	}
	return size
}

// IsMaterialized returns whether the parameter values are available.
func (p *Param) IsMaterialized() bool {
	return p.Data != nil
}

// String implements fmt.Stringer.
func (p *Param) String() string {
	return fmt.Sprintf("%s%v", p.Name, p.Shape)
}

func (p *Param) checkMaterialized() error {
	if p.Data == nil || p.Grad == nil {
		return errors.Errorf("parameter %s used while not materialized", p)
	}
	return nil
}

// Module is a node of a network.
type Module interface {
	// Name of the module, unique within the network.
	Name() string

	// Params owned directly by the module, not including the ones of its children.
	Params() []*Param

	// Forward computes the output for a batch of inputs (one row per example), and keeps
	// what is needed for Backward.
	Forward(x *mat.Dense) (*mat.Dense, error)

	// Backward takes the gradient of the loss with respect to the output of the last Forward,
	// accumulates the gradients of the parameters, and returns the gradient with respect to the input.
	Backward(gradOutput *mat.Dense) (*mat.Dense, error)
}

// Container is a Module with children.
type Container interface {
	Module
	Children() []Module

	// SetChild replaces the i-th child.
	SetChild(i int, child Module)
}

// AllParams returns the parameters of the module and of all its descendants, in depth-first order.
func AllParams(m Module) []*Param {
	params := append([]*Param(nil), m.Params()...)
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			params = append(params, AllParams(child)...)
		}
	}
	return params
}

// CountParams returns the total number of parameter elements of the module and its descendants.
func CountParams(m Module) int {
	var count int
	for _, p := range AllParams(m) {
		count += p.Size()
	}
	return count
}

// ZeroGrad zeroes the gradients of all parameters of the module tree.
func ZeroGrad(m Module) {
	for _, p := range AllParams(m) {
		clear(p.Grad)
	}
}

// Walk visits the module tree in post-order (children before parents).
func Walk(m Module, fn func(m Module)) {
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			Walk(child, fn)
		}
	}
	fn(m)
}

// NamedTensor is a parameter value, as stored in checkpoints.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// StateDict returns a copy of the values of all parameters of a materialized module.
func StateDict(m Module) ([]NamedTensor, error) {
	params := AllParams(m)
	state := make([]NamedTensor, 0, len(params))
	for _, p := range params {
		if !p.IsMaterialized() {
			return nil, errors.Errorf("StateDict: parameter %s is not materialized", p)
		}
		state = append(state, NamedTensor{Name: p.Name, Shape: append([]int(nil), p.Shape...), Data: append([]float64(nil), p.Data...)})
	}
	return state, nil
}

// LoadStateDict copies the values of state into the matching parameters of the module. Every parameter
// must be present in state, with the same size.
func LoadStateDict(m Module, state []NamedTensor) error {
	byName := make(map[string]NamedTensor, len(state))
	for _, t := range state {
		byName[t.Name] = t
	}
	for _, p := range AllParams(m) {
		t, found := byName[p.Name]
		if !found {
			return errors.Errorf("LoadStateDict: parameter %s missing", p)
		}
		if len(t.Data) != p.Size() {
			return errors.Errorf("LoadStateDict: parameter %s has %d values, expected %d", p, len(t.Data), p.Size())
		}
		if p.Data == nil {
			return errors.Errorf("LoadStateDict: parameter %s is not materialized", p)
		}
		copy(p.Data, t.Data)
	}
	return nil
}

// newRand returns the random source used to initialize parameters.
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
