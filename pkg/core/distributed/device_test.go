// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"sync"
	"testing"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator(t *testing.T) {
	a := distributed.NewAllocator(1000)
	require.NoError(t, a.Alloc(600))
	require.NoError(t, a.Alloc(300))
	a.Free(500)
	assert.Equal(t, uint64(400), a.Allocated())
	assert.Equal(t, uint64(900), a.Peak())

	err := a.Alloc(700)
	require.ErrorIs(t, err, distributed.ErrOutOfMemory)
	assert.Equal(t, uint64(400), a.Allocated(), "failed allocation must not be accounted")

	a.ResetPeak()
	assert.Equal(t, uint64(400), a.Peak())

	t.Run("Concurrent", func(t *testing.T) {
		unlimited := distributed.NewAllocator(0)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 1000 {
					assert.NoError(t, unlimited.Alloc(8))
					unlimited.Free(8)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, uint64(0), unlimited.Allocated())
		assert.LessOrEqual(t, unlimited.Peak(), uint64(64))
		assert.GreaterOrEqual(t, unlimited.Peak(), uint64(8))
	})
}

func TestParseInventory(t *testing.T) {
	inv, err := distributed.ParseInventory("2xsim-a10:16GiB, 1xcpu")
	require.NoError(t, err)
	require.Equal(t, 3, inv.NumDevices())
	assert.Equal(t, distributed.KindAccelerator, inv.Devices[0].Kind)
	assert.Equal(t, "sim-a10", inv.Devices[1].Name)
	assert.Equal(t, int64(16<<30), inv.Devices[1].Memory.Capacity())
	assert.Equal(t, distributed.KindCPU, inv.Devices[2].Kind)
	assert.Equal(t, 2, inv.Devices[2].Index)

	for _, bad := range []string{"", "sim", "0xsim", "2x", "2xsim:lots"} {
		_, err := distributed.ParseInventory(bad)
		assert.ErrorIs(t, err, errkind.Configuration, bad)
	}
}

func TestInventoryFromEnv(t *testing.T) {
	inv, err := distributed.InventoryFromEnv(fakeEnv(nil), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.NumDevices())
	assert.Equal(t, distributed.KindCPU, inv.Devices[0].Kind)

	inv, err = distributed.InventoryFromEnv(fakeEnv(map[string]string{
		"SHARDBENCH_DEVICES":   "4xsim-a10",
		"CUDA_VISIBLE_DEVICES": "3,1",
	}), 1)
	require.NoError(t, err)
	require.Equal(t, 2, inv.NumDevices())
	assert.Equal(t, 0, inv.Devices[0].Index)
	assert.Equal(t, 1, inv.Devices[1].Index)

	_, err = distributed.InventoryFromEnv(fakeEnv(map[string]string{
		"SHARDBENCH_DEVICES":   "2xsim-a10",
		"CUDA_VISIBLE_DEVICES": "2",
	}), 1)
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestBind(t *testing.T) {
	inv, err := distributed.ParseInventory("4xsim-a10")
	require.NoError(t, err)
	cfg := distributed.DefaultConfig()
	cfg.WorldSize = 4

	t.Run("SingleNodeByRank", func(t *testing.T) {
		for rank := range 4 {
			device, err := distributed.Bind(cfg.ForRank(rank), inv)
			require.NoError(t, err)
			assert.Same(t, inv.Devices[rank], device)
		}
	})

	t.Run("MultiNodeByLocalSlot", func(t *testing.T) {
		multi := cfg
		multi.WorldSize = 8
		multi.Rank = 6
		multi.LocalRank = 2
		multi.LocalWorldSize = 4
		multi.MultiNode = true
		device, err := distributed.Bind(multi, inv)
		require.NoError(t, err)
		assert.Same(t, inv.Devices[2], device)

		multi.LocalWorldSize = 2
		multi.LocalRank = 0
		_, err = distributed.Bind(multi, inv)
		assert.ErrorIs(t, err, errkind.Configuration)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		small, err := distributed.ParseInventory("2xsim-a10")
		require.NoError(t, err)
		big := cfg
		big.WorldSize = 3
		_, err = distributed.Bind(big.ForRank(2), small)
		assert.ErrorIs(t, err, errkind.Configuration)
	})

	t.Run("BackendCompatibility", func(t *testing.T) {
		nccl := cfg.ForRank(0)
		nccl.Backend = distributed.BackendNCCL
		_, err := distributed.Bind(nccl, distributed.NewCPUInventory(1))
		assert.ErrorIs(t, err, errkind.Configuration, "nccl requires an accelerator")

		a100, err := distributed.ParseInventory("1xA100-SXM4:40GB")
		require.NoError(t, err)
		_, err = distributed.Bind(nccl, a100)
		assert.ErrorIs(t, err, errkind.Configuration, "nccl refuses denied device generations")

		gloo := nccl
		gloo.Backend = distributed.BackendGloo
		_, err = distributed.Bind(gloo, a100)
		assert.NoError(t, err)
	})
}

func TestWorkerActiveDevice(t *testing.T) {
	inv := distributed.NewCPUInventory(2)
	cfg := distributed.DefaultConfig()
	w := distributed.NewWorker(cfg, inv.Devices[0], inv.Host)
	assert.True(t, w.IsCoordinator())
	assert.Nil(t, w.ActiveDevice())
	require.NoError(t, w.SetActiveDevice(inv.Devices[0]))
	assert.Same(t, inv.Devices[0], w.ActiveDevice())
	assert.ErrorIs(t, w.SetActiveDevice(inv.Devices[1]), errkind.Precondition)
}
