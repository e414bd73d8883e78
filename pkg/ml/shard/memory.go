// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/pkg/errors"
)

const (
	// bytesPerParam is the accounted size of one parameter element, as stored at rest.
	bytesPerParam = 4

	// bytesPerLowPrecisionParam is the accounted size of a gathered element in mixed precision.
	bytesPerLowPrecisionParam = 2
)

// memory accounts the parameter memory of a model on the device and host allocators.
type memory struct {
	device, host *distributed.Allocator
	offload      bool
	mixed        bool

	// rest is the number of bytes held at rest, on the host if offloading.
	rest int64
}

func (m *memory) restAllocator() *distributed.Allocator {
	if m.offload {
		return m.host
	}
	return m.device
}

// allocRest accounts a shard and its gradient held at rest.
func (m *memory) allocRest(shardSize int) error {
	n := int64(2 * shardSize * bytesPerParam)
	if err := m.restAllocator().Alloc(n); err != nil {
		return errors.WithMessagef(err, "allocating shard of %d params", shardSize)
	}
	m.rest += n
	return nil
}

// freeRest releases everything accounted by allocRest.
func (m *memory) freeRest() {
	m.restAllocator().Free(m.rest)
	m.rest = 0
}

func (m *memory) gatheredBytes(padded, shardSize int) int64 {
	perParam := int64(bytesPerParam)
	if m.mixed {
		perParam = bytesPerLowPrecisionParam
	}
	n := int64(padded) * perParam
	if m.offload {
		// The shard is staged on the device during the gather.
		n += int64(shardSize * bytesPerParam)
	}
	return n
}

// allocGathered accounts the full parameters of a unit materialized on the device.
func (m *memory) allocGathered(padded, shardSize int) error {
	return m.device.Alloc(m.gatheredBytes(padded, shardSize))
}

func (m *memory) freeGathered(padded, shardSize int) {
	m.device.Free(m.gatheredBytes(padded, shardSize))
}

// allocGrads accounts the full gradients of a unit during its backward pass.
func (m *memory) allocGrads(padded int) error {
	return m.device.Alloc(int64(padded * bytesPerParam))
}

func (m *memory) freeGrads(padded int) {
	m.device.Free(int64(padded * bytesPerParam))
}
