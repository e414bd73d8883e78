// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/shardbench/pkg/support/errkind"
)

// Worker is the identity of one training worker: its rank, the world size and the device it is bound to.
//
// It is created once per worker and never changes, except for the active device, which is set exactly
// once with SetActiveDevice, and the registration of its (at most one) live ProcessGroup.
type Worker struct {
	Rank, WorldSize int
	LocalRank       int

	// Device the worker was bound to, see Bind.
	Device *Device

	// Host allocator used for offloaded state.
	Host *Allocator

	active atomic.Pointer[Device]
	group  atomic.Pointer[ProcessGroup]
}

// NewWorker returns the Worker context for the given configuration and bound device.
func NewWorker(cfg Config, device *Device, host *Allocator) *Worker {
	if host == nil {
		host = NewAllocator(0)
	}
	return &Worker{
		Rank:      cfg.Rank,
		WorldSize: cfg.WorldSize,
		LocalRank: cfg.LocalRank,
		Device:    device,
		Host:      host,
	}
}

// IsCoordinator returns whether this is the rank 0 worker, the one responsible for reporting and saving.
func (w *Worker) IsCoordinator() bool {
	return w.Rank == 0
}

// String implements fmt.Stringer.
func (w *Worker) String() string {
	return fmt.Sprintf("rank %d/%d", w.Rank, w.WorldSize)
}

// SetActiveDevice selects the device the worker computes on. It can only be set once.
func (w *Worker) SetActiveDevice(device *Device) error {
	if device == nil {
		return errkind.Configurationf("%s: cannot activate a nil device", w)
	}
	if !w.active.CompareAndSwap(nil, device) {
		return errkind.Preconditionf("%s: active device already set to %s", w, w.active.Load())
	}
	return nil
}

// ActiveDevice returns the device set with SetActiveDevice, or nil if none was set.
func (w *Worker) ActiveDevice() *Device {
	return w.active.Load()
}

// ProcessGroup returns the live process group of the worker, or nil.
func (w *Worker) ProcessGroup() *ProcessGroup {
	return w.group.Load()
}

func (w *Worker) registerGroup(pg *ProcessGroup) error {
	if !w.group.CompareAndSwap(nil, pg) {
		return errkind.Preconditionf("%s: a process group is already live for this worker", w)
	}
	return nil
}

func (w *Worker) unregisterGroup(pg *ProcessGroup) {
	w.group.CompareAndSwap(pg, nil)
}
