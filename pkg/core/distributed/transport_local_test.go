// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExchangeTimeoutLeavesNoRound(t *testing.T) {
	hub := NewLocalHub(2)
	rank0, err := hub.join(0)
	require.NoError(t, err)
	rank1, err := hub.join(1)
	require.NoError(t, err)

	// Rank 0 gives up before rank 1 arrives.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = rank0.exchange(ctx, opAllReduceSum, 7, []float64{100})
	require.ErrorIs(t, err, errkind.Communication)
	assert.Contains(t, err.Error(), "1 of 2 ranks arrived")
	hub.mu.Lock()
	assert.Empty(t, hub.rounds)
	hub.mu.Unlock()

	// The same sequence number can be exchanged again, without the stale contribution.
	var wg sync.WaitGroup
	results := make([][][]float64, 2)
	errs := make([]error, 2)
	for rank, transport := range []*localTransport{rank0, rank1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank], errs[rank] = transport.exchange(context.Background(), opAllReduceSum, 7,
				[]float64{float64(rank + 1)})
		}()
	}
	wg.Wait()
	for rank := range 2 {
		require.NoError(t, errs[rank])
		assert.Equal(t, [][]float64{{1}, {2}}, results[rank])
	}
	hub.mu.Lock()
	assert.Empty(t, hub.rounds)
	hub.mu.Unlock()
}
