// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"
	"time"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(vars map[string]string) distributed.LookupEnvFn {
	return func(key string) (string, bool) {
		v, found := vars[key]
		return v, found
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := distributed.ConfigFromEnv(fakeEnv(nil), distributed.DefaultConfig(), false)
		require.NoError(t, err)
		assert.Equal(t, "localhost", cfg.CoordinatorAddr)
		assert.Equal(t, 12355, cfg.CoordinatorPort)
		assert.Equal(t, 120*time.Second, cfg.Timeout)
		assert.Equal(t, 0, cfg.Rank)
		assert.Equal(t, 1, cfg.WorldSize)
		assert.Equal(t, "localhost:12355", cfg.Address())
	})

	t.Run("SingleNode", func(t *testing.T) {
		cfg, err := distributed.ConfigFromEnv(fakeEnv(map[string]string{
			"MASTER_ADDR": "10.0.0.7",
			"MASTER_PORT": "23456",
			"WORLD_SIZE":  "4",
			"RANK":        "2",
		}), distributed.DefaultConfig(), false)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.7:23456", cfg.Address())
		assert.Equal(t, 2, cfg.Rank)
		assert.Equal(t, 4, cfg.WorldSize)
		assert.Equal(t, 2, cfg.LocalRank)
		assert.Equal(t, 4, cfg.LocalWorldSize)
	})

	t.Run("MultiNode", func(t *testing.T) {
		cfg, err := distributed.ConfigFromEnv(fakeEnv(map[string]string{
			"SLURM_SUBMIT_HOST":  "login-node",
			"SLURM_PROCID":       "5",
			"SLURM_LOCALID":      "1",
			"SLURM_NTASKS":       "8",
			"SLURM_GPUS_ON_NODE": "4",
		}), distributed.DefaultConfig(), true)
		require.NoError(t, err)
		assert.Equal(t, "login-node", cfg.CoordinatorAddr)
		assert.Equal(t, 5, cfg.Rank)
		assert.Equal(t, 1, cfg.LocalRank)
		assert.Equal(t, 8, cfg.WorldSize)
		assert.Equal(t, 4, cfg.LocalWorldSize)
		assert.True(t, cfg.MultiNode)
	})

	t.Run("RoundTripThroughEnv", func(t *testing.T) {
		base := distributed.DefaultConfig()
		base.WorldSize = 3
		base.CoordinatorPort = 40001
		base.Timeout = 5 * time.Second
		want := base.ForRank(1)
		vars := make(map[string]string)
		for _, entry := range want.Env() {
			for i := range entry {
				if entry[i] == '=' {
					vars[entry[:i]] = entry[i+1:]
					break
				}
			}
		}
		got, err := distributed.ConfigFromEnv(fakeEnv(vars), distributed.DefaultConfig(), false)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("Invalid", func(t *testing.T) {
		for name, vars := range map[string]map[string]string{
			"rank out of range": {"WORLD_SIZE": "2", "RANK": "2"},
			"not an integer":    {"RANK": "one"},
			"unknown backend":   {"SHARDBENCH_BACKEND": "mpi"},
			"bad port":          {"MASTER_PORT": "70000"},
			"zero world size":   {"WORLD_SIZE": "0"},
		} {
			_, err := distributed.ConfigFromEnv(fakeEnv(vars), distributed.DefaultConfig(), false)
			require.Error(t, err, name)
			assert.ErrorIs(t, err, errkind.Configuration, name)
		}
	})
}

func TestParseBackend(t *testing.T) {
	for _, b := range []distributed.Backend{distributed.BackendGloo, distributed.BackendNCCL, distributed.BackendLocal} {
		parsed, err := distributed.ParseBackend(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, parsed)
	}
	parsed, err := distributed.ParseBackend(" NCCL ")
	require.NoError(t, err)
	assert.Equal(t, distributed.BackendNCCL, parsed)
	_, err = distributed.ParseBackend("mpi")
	assert.ErrorIs(t, err, errkind.Configuration)
}
