// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Collective is the set of blocking, symmetric operations the training code uses: every rank of the group
// must call the same operations in the same order.
//
// It is implemented by *ProcessGroup, and by Solo for a worker running without a process group.
type Collective interface {
	Rank() int
	WorldSize() int

	// AllReduceSum returns the element-wise sum of the vectors of all ranks.
	AllReduceSum(values []float64) ([]float64, error)

	// AllGather returns the vectors of all ranks, indexed by rank.
	AllGather(values []float64) ([][]float64, error)

	// ReduceScatterSum sums the vectors of all ranks, and returns the slice of the sum owned by this rank:
	// the sum is split in WorldSize equal parts, so len(values) must be divisible by WorldSize.
	ReduceScatterSum(values []float64) ([]float64, error)

	// Broadcast returns the vector of the root rank. The values of the other ranks are ignored.
	Broadcast(values []float64, root int) ([]float64, error)

	// Barrier blocks until all ranks reached it.
	Barrier() error
}

type groupState int32

const (
	stateUninitialized groupState = iota
	stateActive
	stateDestroyed
)

var stateNames = [...]string{"uninitialized", "active", "destroyed"}

func (s groupState) String() string {
	return stateNames[s]
}

// ProcessGroup is the communication group shared by all workers of a run.
//
// Its lifecycle is uninitialized -> active -> destroyed: it becomes active when Init returns, and
// collectives fail with a Precondition error in any other state. After a transport failure the group is
// poisoned: every further collective fails with a Communication error.
type ProcessGroup struct {
	cfg    Config
	worker *Worker
	opts   options

	state atomic.Int32

	// mu serializes collectives: the sequence numbers must match across ranks.
	mu        sync.Mutex
	seq       uint64
	transport transport
	failure   error
}

var _ Collective = (*ProcessGroup)(nil)

// Option configures Init.
type Option func(o *options)

type options struct {
	hub               *LocalHub
	listener          net.Listener
	collectiveTimeout time.Duration
}

// WithLocalHub provides the hub of BackendLocal. It is required for that backend and ignored otherwise.
func WithLocalHub(hub *LocalHub) Option {
	return func(o *options) { o.hub = hub }
}

// WithListener makes the coordinator (rank 0) of the TCP transport accept connections on the given listener,
// instead of listening on Config.CoordinatorPort. Ownership is transferred: it is closed by Destroy.
func WithListener(listener net.Listener) Option {
	return func(o *options) { o.listener = listener }
}

// WithCollectiveTimeout sets a deadline for each collective of the TCP transport.
// The default is 0: collectives block until all ranks reach them.
func WithCollectiveTimeout(timeout time.Duration) Option {
	return func(o *options) { o.collectiveTimeout = timeout }
}

// Init joins the process group described by cfg: it blocks until all cfg.WorldSize workers reach the
// rendezvous, or fails with a Communication error once cfg.Timeout elapses.
//
// The worker must not have another live process group. The returned group must be released with Destroy.
func Init(ctx context.Context, cfg Config, worker *Worker, opts ...Option) (*ProcessGroup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, errkind.Configurationf("Init: worker not given")
	}
	if worker.Rank != cfg.Rank || worker.WorldSize != cfg.WorldSize {
		return nil, errkind.Configurationf("Init: worker is %s but configuration is for rank %d/%d",
			worker, cfg.Rank, cfg.WorldSize)
	}
	pg := &ProcessGroup{cfg: cfg, worker: worker}
	for _, opt := range opts {
		opt(&pg.opts)
	}
	if err := worker.registerGroup(pg); err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	start := time.Now()
	var err error
	switch cfg.Backend {
	case BackendLocal:
		if pg.opts.hub == nil {
			err = errkind.Configurationf("backend %s requires a LocalHub (see WithLocalHub)", cfg.Backend)
		} else if pg.opts.hub.WorldSize() != cfg.WorldSize {
			err = errkind.Configurationf("local hub has world size %d, configuration has %d",
				pg.opts.hub.WorldSize(), cfg.WorldSize)
		} else {
			pg.transport, err = pg.opts.hub.join(cfg.Rank)
		}
	default:
		pg.transport, err = connectTCP(initCtx, cfg, &pg.opts)
	}
	if err == nil {
		// Rendezvous: the TCP transport already waited for all ranks, the local one waits here.
		_, err = pg.transport.exchange(initCtx, opHello, 0, nil)
	}
	if err != nil {
		if pg.transport != nil {
			_ = pg.transport.close()
		}
		worker.unregisterGroup(pg)
		return nil, errors.WithMessagef(err, "rank %d: Init(%s)", cfg.Rank, cfg.Backend)
	}
	pg.state.Store(int32(stateActive))
	klog.V(1).Infof("rank %d: process group active (backend=%s, world size %d) after %s",
		cfg.Rank, cfg.Backend, cfg.WorldSize, time.Since(start))
	return pg, nil
}

// Rank of this worker in the group.
func (pg *ProcessGroup) Rank() int { return pg.cfg.Rank }

// WorldSize is the number of workers in the group.
func (pg *ProcessGroup) WorldSize() int { return pg.cfg.WorldSize }

// Config used to create the group.
func (pg *ProcessGroup) Config() Config { return pg.cfg }

// IsActive returns whether collectives can be issued.
func (pg *ProcessGroup) IsActive() bool {
	return groupState(pg.state.Load()) == stateActive
}

// exchange runs one round of communication, checking the group state.
func (pg *ProcessGroup) exchange(op opCode, values []float64) ([][]float64, error) {
	if state := groupState(pg.state.Load()); state != stateActive {
		return nil, errkind.Preconditionf("rank %d: %s on a process group in state %s", pg.cfg.Rank, op, state)
	}
	return pg.lockedExchange(op, values)
}

func (pg *ProcessGroup) lockedExchange(op opCode, values []float64) ([][]float64, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.failure != nil {
		return nil, errkind.WrapCommunication(pg.failure, "rank %d: %s on a failed process group", pg.cfg.Rank, op)
	}
	pg.seq++
	all, err := pg.transport.exchange(context.Background(), op, pg.seq, values)
	if err != nil {
		if errors.Is(err, errkind.Communication) || errkind.Kind(err) == "" {
			pg.failure = err
		}
		return nil, err
	}
	return all, nil
}

// AllReduceSum implements Collective.
func (pg *ProcessGroup) AllReduceSum(values []float64) ([]float64, error) {
	all, err := pg.exchange(opAllReduceSum, values)
	if err != nil {
		return nil, err
	}
	return sumVectors(all, len(values))
}

// AllGather implements Collective.
func (pg *ProcessGroup) AllGather(values []float64) ([][]float64, error) {
	all, err := pg.exchange(opAllGather, values)
	if err != nil {
		return nil, err
	}
	gathered := make([][]float64, len(all))
	for rank, vector := range all {
		gathered[rank] = append([]float64(nil), vector...)
	}
	return gathered, nil
}

// ReduceScatterSum implements Collective.
func (pg *ProcessGroup) ReduceScatterSum(values []float64) ([]float64, error) {
	if len(values)%pg.cfg.WorldSize != 0 {
		return nil, errors.Errorf("ReduceScatterSum: length %d not divisible by world size %d",
			len(values), pg.cfg.WorldSize)
	}
	all, err := pg.exchange(opReduceScatterSum, values)
	if err != nil {
		return nil, err
	}
	sum, err := sumVectors(all, len(values))
	if err != nil {
		return nil, err
	}
	chunk := len(values) / pg.cfg.WorldSize
	return sum[pg.cfg.Rank*chunk : (pg.cfg.Rank+1)*chunk], nil
}

// Broadcast implements Collective.
func (pg *ProcessGroup) Broadcast(values []float64, root int) ([]float64, error) {
	if root < 0 || root >= pg.cfg.WorldSize {
		return nil, errors.Errorf("Broadcast: root %d out of range for world size %d", root, pg.cfg.WorldSize)
	}
	if pg.cfg.Rank != root {
		values = nil
	}
	all, err := pg.exchange(opBroadcast, values)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), all[root]...), nil
}

// Barrier implements Collective.
func (pg *ProcessGroup) Barrier() error {
	_, err := pg.exchange(opBarrier, nil)
	return err
}

// Destroy waits for all ranks to reach it, and then releases the transport. It can only be called once on an
// active group: other calls return a Precondition error.
func (pg *ProcessGroup) Destroy() error {
	if !pg.state.CompareAndSwap(int32(stateActive), int32(stateDestroyed)) {
		return errkind.Preconditionf("rank %d: Destroy on a process group in state %s",
			pg.cfg.Rank, groupState(pg.state.Load()))
	}
	defer pg.worker.unregisterGroup(pg)
	_, barrierErr := pg.lockedExchange(opDestroy, nil)
	closeErr := pg.transport.close()
	if barrierErr != nil {
		return errors.WithMessagef(barrierErr, "rank %d: Destroy", pg.cfg.Rank)
	}
	if closeErr != nil {
		return errkind.WrapCommunication(closeErr, "rank %d: closing transport", pg.cfg.Rank)
	}
	klog.V(1).Infof("rank %d: process group destroyed", pg.cfg.Rank)
	return nil
}

// sumVectors adds the vectors in rank order, so every rank gets bit-identical results.
func sumVectors(all [][]float64, size int) ([]float64, error) {
	sum := make([]float64, size)
	for rank, vector := range all {
		if len(vector) != size {
			return nil, errkind.Communicationf("rank %d contributed %d values, expected %d", rank, len(vector), size)
		}
		floats.Add(sum, vector)
	}
	return sum, nil
}

// Solo is the Collective of a worker running alone, without a process group: every collective returns
// its own input.
type Solo struct{}

var _ Collective = Solo{}

// Rank implements Collective.
func (Solo) Rank() int { return 0 }

// WorldSize implements Collective.
func (Solo) WorldSize() int { return 1 }

// AllReduceSum implements Collective.
func (Solo) AllReduceSum(values []float64) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

// AllGather implements Collective.
func (Solo) AllGather(values []float64) ([][]float64, error) {
	return [][]float64{append([]float64(nil), values...)}, nil
}

// ReduceScatterSum implements Collective.
func (Solo) ReduceScatterSum(values []float64) ([]float64, error) {
	return append([]float64(nil), values...), nil
}

// Broadcast implements Collective.
func (Solo) Broadcast(values []float64, root int) ([]float64, error) {
	if root != 0 {
		return nil, errors.Errorf("Broadcast: root %d out of range for world size 1", root)
	}
	return append([]float64(nil), values...), nil
}

// Barrier implements Collective.
func (Solo) Barrier() error { return nil }
