// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"gonum.org/v1/gonum/mat"
)

// Replica is an unsharded model: the worker holds all parameters on its device, and trains them
// independently of the other workers. It is the baseline the sharded Model is compared against.
type Replica struct {
	module nn.Module
	params []*nn.Param
	mem    *memory
}

// NewReplica places module on the worker's device. As with Transform, binding must be the worker's active device.
func NewReplica(module nn.Module, binding *distributed.Device, worker *distributed.Worker) (*Replica, error) {
	if binding == nil || binding != worker.ActiveDevice() {
		return nil, errkind.Configurationf("%s: model bound to device %s, but the active device is %s",
			worker, binding, worker.ActiveDevice())
	}
	r := &Replica{
		module: module,
		params: nn.AllParams(module),
		mem:    &memory{device: binding.Memory, host: worker.Host},
	}
	if err := r.mem.allocRest(r.NumParams()); err != nil {
		return nil, err
	}
	return r, nil
}

// Forward runs the model on a batch.
func (r *Replica) Forward(x *mat.Dense) (*mat.Dense, error) { return r.module.Forward(x) }

// Backward accumulates the gradients of the parameters.
func (r *Replica) Backward(gradOutput *mat.Dense) error {
	_, err := r.module.Backward(gradOutput)
	return err
}

// ZeroGrad zeroes the gradients.
func (r *Replica) ZeroGrad() { nn.ZeroGrad(r.module) }

// OptimizerParams returns all parameters.
func (r *Replica) OptimizerParams() []*nn.Param { return r.params }

// NumParams is the number of parameter elements.
func (r *Replica) NumParams() int { return nn.CountParams(r.module) }

// StateDict returns a copy of the parameter values.
func (r *Replica) StateDict() ([]nn.NamedTensor, error) { return nn.StateDict(r.module) }

// LoadStateDict sets the parameter values.
func (r *Replica) LoadStateDict(state []nn.NamedTensor) error {
	return nn.LoadStateDict(r.module, state)
}

// Release frees the accounted memory.
func (r *Replica) Release() { r.mem.freeRest() }
