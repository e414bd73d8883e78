// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"

	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Unit is a sub-module whose parameters are flattened into one vector and partitioned across the workers.
//
// At rest the worker only holds its shard (and the shard's gradient). Forward and Backward gather the
// full parameters just before running the wrapped module, and release them right after.
type Unit struct {
	model *Model
	inner nn.Module

	// params flattened by this unit, in order: those of inner not already owned by a nested unit.
	params  []*nn.Param
	offsets []int
	numel   int

	// padded is numel rounded up to a multiple of the world size.
	padded    int
	shardSize int
	shard     *nn.Param

	gathered bool
}

var _ nn.Module = (*Unit)(nil)

func newUnit(model *Model, inner nn.Module) *Unit {
	u := &Unit{model: model, inner: inner, params: nn.AllParams(inner)}
	for _, p := range u.params {
		u.offsets = append(u.offsets, u.numel)
		u.numel += p.Size()
	}
	ws := model.worldSize
	u.padded = (u.numel + ws - 1) / ws * ws
	u.shardSize = u.padded / ws
	return u
}

// Name implements nn.Module.
func (u *Unit) Name() string { return u.inner.Name() }

// Params implements nn.Module. A unit exposes no parameters to its ancestors: its shard is reached
// through Model.OptimizerParams.
func (u *Unit) Params() []*nn.Param { return nil }

// Inner returns the wrapped module.
func (u *Unit) Inner() nn.Module { return u.inner }

// NumParams is the number of parameter elements of the unit, without padding.
func (u *Unit) NumParams() int { return u.numel }

// ShardSize is the number of elements held by each worker at rest.
func (u *Unit) ShardSize() int { return u.shardSize }

// String implements fmt.Stringer.
func (u *Unit) String() string {
	return fmt.Sprintf("unit %q (%d params in %d tensors, shard of %d)", u.Name(), u.numel, len(u.params), u.shardSize)
}

// shardFrom takes this worker's shard out of a full flat vector of the unit.
func (u *Unit) shardFrom(full []float64) []float64 {
	start := u.model.rank * u.shardSize
	shard := make([]float64, u.shardSize)
	copy(shard, full[start:min(start+u.shardSize, len(full))])
	return shard
}

// flatten copies the current parameter values into a padded flat vector.
func (u *Unit) flatten() []float64 {
	flat := make([]float64, u.padded)
	for i, p := range u.params {
		copy(flat[u.offsets[i]:], p.Data)
	}
	return flat
}

// initShard synchronizes the initial values from the coordinator and keeps this worker's shard,
// dropping the full parameters.
func (u *Unit) initShard() error {
	full := u.flatten()
	if u.padded > 0 {
		var err error
		full, err = u.model.coll.Broadcast(full, 0)
		if err != nil {
			return errors.WithMessagef(err, "synchronizing initial parameters of %s", u)
		}
	}
	u.shard = &nn.Param{
		Name:  u.Name() + ".shard",
		Shape: []int{u.shardSize},
		Data:  u.shardFrom(full),
		Grad:  make([]float64, u.shardSize),
	}
	for _, p := range u.params {
		p.Data, p.Grad = nil, nil
	}
	return u.model.mem.allocRest(u.shardSize)
}

// gather materializes the full parameters of the unit on this worker. If lowPrecision is set and the model
// uses mixed precision, the values are rounded through float16.
func (u *Unit) gather(lowPrecision bool) error {
	if u.gathered {
		return errors.Errorf("%s gathered twice", u)
	}
	mem := u.model.mem
	if err := mem.allocGathered(u.padded, u.shardSize); err != nil {
		return errors.WithMessagef(err, "gathering %s", u)
	}
	full := make([]float64, u.padded)
	if u.padded > 0 {
		parts, err := u.model.coll.AllGather(u.shard.Data)
		if err != nil {
			mem.freeGathered(u.padded, u.shardSize)
			return errors.WithMessagef(err, "gathering %s", u)
		}
		for rank, part := range parts {
			copy(full[rank*u.shardSize:], part)
		}
	}
	if lowPrecision && u.model.opts.MixedPrecision {
		for i, v := range full {
			full[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	}
	for i, p := range u.params {
		p.Data = full[u.offsets[i] : u.offsets[i]+p.Size()]
	}
	u.gathered = true
	return nil
}

// release drops the full parameters (and gradients) materialized by gather.
func (u *Unit) release() {
	if !u.gathered {
		return
	}
	for _, p := range u.params {
		p.Data, p.Grad = nil, nil
	}
	u.model.mem.freeGathered(u.padded, u.shardSize)
	u.gathered = false
}

// Forward implements nn.Module: gather, run the wrapped module, release.
func (u *Unit) Forward(x *mat.Dense) (*mat.Dense, error) {
	if err := u.gather(true); err != nil {
		return nil, err
	}
	defer u.release()
	y, err := u.inner.Forward(x)
	if err != nil {
		return nil, errors.WithMessagef(err, "forward of %s", u)
	}
	return y, nil
}

// Backward implements nn.Module: gather again, compute the full gradients, reduce-scatter them
// (averaged over the workers) into the shard gradient, release.
func (u *Unit) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if err := u.gather(true); err != nil {
		return nil, err
	}
	defer u.release()
	mem := u.model.mem
	if err := mem.allocGrads(u.padded); err != nil {
		return nil, errors.WithMessagef(err, "backward of %s", u)
	}
	defer mem.freeGrads(u.padded)

	grads := make([]float64, u.padded)
	for i, p := range u.params {
		p.Grad = grads[u.offsets[i] : u.offsets[i]+p.Size()]
	}
	gradInput, err := u.inner.Backward(gradOutput)
	if err != nil {
		return nil, errors.WithMessagef(err, "backward of %s", u)
	}
	if u.padded > 0 {
		reduced, err := u.model.coll.ReduceScatterSum(grads)
		if err != nil {
			return nil, errors.WithMessagef(err, "reducing gradients of %s", u)
		}
		floats.AddScaled(u.shard.Grad, 1/float64(u.model.worldSize), reduced)
	}
	return gradInput, nil
}

// fullValues gathers the full parameters and returns a copy of them, one tensor per parameter.
func (u *Unit) fullValues() ([]nn.NamedTensor, error) {
	if err := u.gather(false); err != nil {
		return nil, err
	}
	defer u.release()
	state := make([]nn.NamedTensor, 0, len(u.params))
	for _, p := range u.params {
		state = append(state, nn.NamedTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Data...),
		})
	}
	return state, nil
}
