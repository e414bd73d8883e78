// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shard partitions the parameters of a model across the workers of a process group, so that no
// worker holds the full model at rest.
//
// Transform walks the module tree bottom-up and, following a Policy, wraps sub-modules into Units.
// Each unit flattens the parameters it owns (the ones not already owned by a nested unit), pads them
// to a multiple of the world size, and keeps only the local shard. During forward and backward
// passes a unit gathers its full parameters just in time and releases them immediately after,
// trading communication for memory.
package shard

import (
	"slices"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Options of the transformation.
type Options struct {
	// Offload keeps the shards (and their gradients) in host memory at rest. They are staged to the
	// device only while gathering.
	Offload bool

	// MixedPrecision rounds the gathered parameters through float16 for the forward and backward passes.
	// The shards and their gradients keep full precision.
	MixedPrecision bool
}

// Model is a sharded model. It is used by a single goroutine, and all its operations that communicate
// (Forward, Backward, StateDict) must be called in the same order by every worker.
type Model struct {
	opts      Options
	policy    Policy
	worker    *distributed.Worker
	coll      distributed.Collective
	rank      int
	worldSize int
	mem       *memory

	root  *Unit
	units []*Unit
	names []string
}

// Transform shards root across the workers of coll, wrapping sub-modules according to policy.
//
// binding is the device the worker was bound to: it must be the worker's active device, otherwise
// the model would silently live on a different device and it fails with a Configuration error.
//
// The module tree of root is modified in place (children are replaced by units), and its parameters
// are released: after the call it must only be used through the returned Model. The initial values
// are taken from the coordinator (rank 0), so workers don't need to build identical models.
func Transform(root nn.Module, policy Policy, binding *distributed.Device, worker *distributed.Worker,
	coll distributed.Collective, opts Options) (*Model, error) {
	if binding == nil || binding != worker.ActiveDevice() {
		return nil, errkind.Configurationf("%s: sharding bound to device %s, but the active device is %s",
			worker, binding, worker.ActiveDevice())
	}
	if policy.Kind() == PolicySizeThreshold && policy.MinParams() <= 0 {
		return nil, errkind.Configurationf("invalid wrap policy %s", policy)
	}
	if coll.WorldSize() != worker.WorldSize || coll.Rank() != worker.Rank {
		return nil, errkind.Configurationf("%s: process group has rank %d of %d",
			worker, coll.Rank(), coll.WorldSize())
	}

	m := &Model{
		opts:      opts,
		policy:    policy,
		worker:    worker,
		coll:      coll,
		rank:      worker.Rank,
		worldSize: worker.WorldSize,
		mem: &memory{
			device:  binding.Memory,
			host:    worker.Host,
			offload: opts.Offload,
			mixed:   opts.MixedPrecision,
		},
	}
	for _, p := range nn.AllParams(root) {
		m.names = append(m.names, p.Name)
	}
	if worker.IsCoordinator() {
		klog.Infof("sharding %q (%d params) over %d workers with wrap policy %s, offload=%v",
			root.Name(), nn.CountParams(root), m.worldSize, policy, opts.Offload)
	}

	if c, ok := root.(nn.Container); ok {
		if err := m.wrapChildren(c); err != nil {
			m.Release()
			return nil, err
		}
	}
	m.root = newUnit(m, root)
	if err := m.addUnit(m.root); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// wrapChildren wraps the descendants of c bottom-up: a child is wrapped after its own children, so
// the number of parameters it is judged by excludes the ones already wrapped.
func (m *Model) wrapChildren(c nn.Container) error {
	for i, child := range c.Children() {
		if cc, ok := child.(nn.Container); ok {
			if err := m.wrapChildren(cc); err != nil {
				return err
			}
		}
		if !m.policy.shouldWrap(nn.CountParams(child)) {
			continue
		}
		unit := newUnit(m, child)
		if err := m.addUnit(unit); err != nil {
			return err
		}
		c.SetChild(i, unit)
	}
	return nil
}

func (m *Model) addUnit(u *Unit) error {
	if err := u.initShard(); err != nil {
		return err
	}
	m.units = append(m.units, u)
	klog.V(1).Infof("%s: %s", m.worker, u)
	return nil
}

// Forward runs the model on a batch.
func (m *Model) Forward(x *mat.Dense) (*mat.Dense, error) {
	return m.root.Forward(x)
}

// Backward propagates the gradient of the loss with respect to the output of the last Forward, and
// accumulates the averaged gradients into the shards.
func (m *Model) Backward(gradOutput *mat.Dense) error {
	_, err := m.root.Backward(gradOutput)
	return err
}

// ZeroGrad zeroes the gradients of the shards.
func (m *Model) ZeroGrad() {
	for _, u := range m.units {
		clear(u.shard.Grad)
	}
}

// OptimizerParams returns the local shards: the parameters an optimizer updates on this worker.
func (m *Model) OptimizerParams() []*nn.Param {
	params := make([]*nn.Param, 0, len(m.units))
	for _, u := range m.units {
		params = append(params, u.shard)
	}
	return params
}

// Units returns the units in the order they were wrapped: nested units before their ancestors, the root last.
func (m *Model) Units() []*Unit {
	return m.units
}

// Root unit, wrapping the whole model.
func (m *Model) Root() *Unit {
	return m.root
}

// NumParams is the number of parameter elements of the whole model.
func (m *Model) NumParams() int {
	var count int
	for _, u := range m.units {
		count += u.numel
	}
	return count
}

// Policy used to wrap the model.
func (m *Model) Policy() Policy {
	return m.policy
}

// StateDict gathers the full values of all parameters, in the order of the original module tree.
// It is a collective operation: every worker must call it, and every worker gets the full state.
func (m *Model) StateDict() ([]nn.NamedTensor, error) {
	byName := make(map[string]nn.NamedTensor, len(m.names))
	for _, u := range m.units {
		values, err := u.fullValues()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: StateDict", m.worker)
		}
		for _, t := range values {
			byName[t.Name] = t
		}
	}
	state := make([]nn.NamedTensor, 0, len(m.names))
	for _, name := range m.names {
		state = append(state, byName[name])
	}
	return state, nil
}

// LoadStateDict sets the shards from the full state of the model. It is local: every worker must be given
// the same state.
func (m *Model) LoadStateDict(state []nn.NamedTensor) error {
	byName := make(map[string]nn.NamedTensor, len(state))
	for _, t := range state {
		byName[t.Name] = t
	}
	for _, u := range m.units {
		full := make([]float64, u.padded)
		for i, p := range u.params {
			t, found := byName[p.Name]
			if !found {
				return errors.Errorf("%s: LoadStateDict: parameter %s missing", m.worker, p)
			}
			if len(t.Data) != p.Size() || !slices.Equal(t.Shape, p.Shape) {
				return errors.Errorf("%s: LoadStateDict: parameter %s has shape %v, expected %v",
					m.worker, p.Name, t.Shape, p.Shape)
			}
			copy(full[u.offsets[i]:], t.Data)
		}
		copy(u.shard.Data, u.shardFrom(full))
	}
	return nil
}

// Release frees the memory accounted for the shards. The model must not be used afterwards.
func (m *Model) Release() {
	for _, u := range m.units {
		u.release()
	}
	m.mem.freeRest()
}
