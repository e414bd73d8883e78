// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// transport moves the contributions of the ranks of a process group. Collectives are all built on
// exchange, an all-gather of one vector per rank: it returns the contributions of all ranks indexed
// by rank. The returned vectors must not be modified.
type transport interface {
	exchange(ctx context.Context, op opCode, seq uint64, values []float64) ([][]float64, error)
	close() error
}

// LocalHub connects workers running as goroutines of the same process (BackendLocal).
// Each round of a collective is a rendezvous slot keyed by its sequence number: the last rank to
// arrive releases all the others.
type LocalHub struct {
	worldSize int

	mu      sync.Mutex
	members map[int]bool
	rounds  map[uint64]*localRound
	aborted error
	abortCh chan struct{}
}

type localRound struct {
	op      opCode
	values  [][]float64
	arrived int
	taken   int
	done    chan struct{}
	err     error
}

// NewLocalHub creates the rendezvous point for worldSize in-process workers.
func NewLocalHub(worldSize int) *LocalHub {
	return &LocalHub{
		worldSize: worldSize,
		members:   make(map[int]bool, worldSize),
		rounds:    make(map[uint64]*localRound),
		abortCh:   make(chan struct{}),
	}
}

// WorldSize of the hub.
func (h *LocalHub) WorldSize() int {
	return h.worldSize
}

// Abort unblocks every worker waiting on the hub, and makes all further collectives fail with a
// Communication error. Only the first call has an effect.
func (h *LocalHub) Abort(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted != nil {
		return
	}
	if cause == nil {
		cause = errors.New("aborted")
	}
	h.aborted = cause
	close(h.abortCh)
}

// Launch runs fn once per rank, each in its own goroutine, and waits for all of them.
// If any rank fails, the hub is aborted so the others don't block forever on a collective, and the
// first error is returned.
func (h *LocalHub) Launch(ctx context.Context, fn func(ctx context.Context, rank int) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	for rank := range h.worldSize {
		g.Go(func() error {
			err := fn(gCtx, rank)
			if err != nil {
				klog.V(1).Infof("rank %d failed, aborting local hub: %v", rank, err)
				h.Abort(errors.WithMessagef(err, "rank %d failed", rank))
			}
			return err
		})
	}
	return g.Wait()
}

func (h *LocalHub) join(rank int) (*localTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rank < 0 || rank >= h.worldSize {
		return nil, errkind.Configurationf("rank %d out of range for local hub of world size %d", rank, h.worldSize)
	}
	if h.members[rank] {
		return nil, errkind.Configurationf("rank %d joined the local hub twice", rank)
	}
	h.members[rank] = true
	return &localTransport{hub: h, rank: rank}, nil
}

type localTransport struct {
	hub  *LocalHub
	rank int
}

func (t *localTransport) exchange(ctx context.Context, op opCode, seq uint64, values []float64) ([][]float64, error) {
	h := t.hub
	h.mu.Lock()
	if h.aborted != nil {
		h.mu.Unlock()
		return nil, errkind.WrapCommunication(h.aborted, "rank %d: %s #%d on aborted local hub", t.rank, op, seq)
	}
	round := h.rounds[seq]
	if round == nil {
		round = &localRound{op: op, values: make([][]float64, h.worldSize), done: make(chan struct{})}
		h.rounds[seq] = round
	}
	if round.op != op && round.err == nil {
		round.err = errkind.Communicationf("collective #%d diverged: rank %d called %s while others called %s",
			seq, t.rank, op, round.op)
		close(round.done)
	}
	round.values[t.rank] = slices.Clone(values)
	round.arrived++
	if round.arrived == h.worldSize && round.err == nil {
		close(round.done)
	}
	h.mu.Unlock()

	select {
	case <-round.done:
	case <-h.abortCh:
		return nil, errkind.WrapCommunication(h.aborted, "rank %d: %s #%d interrupted", t.rank, op, seq)
	case <-ctx.Done():
		if arrived, withdrawn := t.withdraw(seq, round); withdrawn {
			return nil, errkind.Communicationf("rank %d: %s #%d timed out with %d of %d ranks arrived: %v",
				t.rank, op, seq, arrived, h.worldSize, ctx.Err())
		}
	}

	h.mu.Lock()
	round.taken++
	if round.taken == h.worldSize {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()
	if round.err != nil {
		return nil, round.err
	}
	return round.values, nil
}

// withdraw removes the contribution of this rank from a round that is still incomplete, dropping the
// round once nobody is waiting on it. It returns the number of ranks that had arrived, and false if the
// round completed in the meantime.
func (t *localTransport) withdraw(seq uint64, round *localRound) (arrived int, withdrawn bool) {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-round.done:
		return round.arrived, false
	default:
	}
	arrived = round.arrived
	round.values[t.rank] = nil
	round.arrived--
	if round.arrived == 0 && h.rounds[seq] == round {
		delete(h.rounds, seq)
	}
	return arrived, true
}

func (t *localTransport) close() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, t.rank)
	return nil
}
