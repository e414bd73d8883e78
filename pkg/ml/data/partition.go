// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/support/xslices"
)

// PartitionOptions configure a Partitioner.
type PartitionOptions struct {
	// Shuffle the examples before splitting them. The permutation is seeded with Seed+epoch, so every
	// rank computes the same permutation without communicating.
	Shuffle bool
	Seed    int64

	// DropLast drops the trailing examples that don't divide evenly across the ranks. Otherwise the
	// indices wrap around, and a few examples are visited twice in the epoch so every rank gets the same count.
	DropLast bool
}

// Partitioner selects the indices of the examples a rank visits in each epoch.
//
// For one epoch, the partitions of all ranks are disjoint (except for the wrap-around padding when
// DropLast is false), and their union covers the dataset (except for the dropped tail when DropLast is true).
// Every rank gets exactly NumSamples indices.
type Partitioner struct {
	size, worldSize, rank int
	opts                  PartitionOptions
	epoch                 int
	numSamples            int
}

// NewPartitioner returns the partitioner for rank of worldSize, over a dataset with size examples.
func NewPartitioner(size, worldSize, rank int, opts PartitionOptions) (*Partitioner, error) {
	if size < 0 {
		return nil, errkind.Configurationf("dataset size must be >= 0, got %d", size)
	}
	if worldSize < 1 {
		return nil, errkind.Configurationf("world size must be >= 1, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errkind.Configurationf("rank must be in [0, %d), got %d", worldSize, rank)
	}
	p := &Partitioner{size: size, worldSize: worldSize, rank: rank, opts: opts}
	if opts.DropLast {
		p.numSamples = size / worldSize
	} else {
		p.numSamples = (size + worldSize - 1) / worldSize
	}
	return p, nil
}

// SetEpoch selects the permutation used by Indices. Call it at the start of every epoch, with the same
// value on every rank.
func (p *Partitioner) SetEpoch(epoch int) {
	p.epoch = epoch
}

// Epoch last set with SetEpoch.
func (p *Partitioner) Epoch() int {
	return p.epoch
}

// NumSamples visited by this rank per epoch.
func (p *Partitioner) NumSamples() int {
	return p.numSamples
}

// TotalSize is the number of indices visited by all ranks together per epoch.
func (p *Partitioner) TotalSize() int {
	return p.numSamples * p.worldSize
}

// Rank of the partition.
func (p *Partitioner) Rank() int {
	return p.rank
}

// Indices of the examples this rank visits in the current epoch, in order.
func (p *Partitioner) Indices() []int {
	var order []int
	if p.opts.Shuffle {
		rng := rand.New(rand.NewSource(p.opts.Seed + int64(p.epoch)))
		order = rng.Perm(p.size)
	} else {
		order = xslices.Iota(0, p.size)
	}

	total := p.TotalSize()
	if total > len(order) && len(order) > 0 {
		// Pad by repeating the beginning of the order.
		for padded := len(order); padded < total; padded++ {
			order = append(order, order[padded%p.size])
		}
	} else {
		order = order[:total]
	}

	indices := make([]int, 0, p.numSamples)
	for i := p.rank; i < total; i += p.worldSize {
		indices = append(indices, order[i])
	}
	return indices
}
