// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// EnvSpawnedWorker is set in the environment of the workers started by Spawn.
const EnvSpawnedWorker = "SHARDBENCH_SPAWNED_WORKER"

// EnvRunID passes the experiment ID to the spawned workers, so all of them report the same one.
const EnvRunID = "SHARDBENCH_RUN_ID"

// DefaultCPUWorkers is the number of CPU devices assumed when no devices are declared in the environment.
const DefaultCPUWorkers = 2

// Inventory returns the devices of this node: the ones declared in cfg.Devices, or in the environment
// (see distributed.InventoryFromEnv), or else CPU devices.
func Inventory(cfg RunConfig, lookup distributed.LookupEnvFn) (*distributed.Inventory, error) {
	if cfg.Devices != "" {
		return distributed.ParseInventory(cfg.Devices)
	}
	defaultCPUs := DefaultCPUWorkers
	if cfg.WorldSize > 0 {
		defaultCPUs = cfg.WorldSize
	}
	return distributed.InventoryFromEnv(lookup, defaultCPUs)
}

// OpenSinks opens the metric sinks configured in cfg for the process hosting rank: the log, and
// optionally a JSON-lines file and a Prometheus endpoint.
// Ranks other than 0 write to their own file ("metrics-rank1.jsonl") and don't serve Prometheus metrics.
func OpenSinks(cfg RunConfig, rank int) (tracking.Multi, error) {
	sinks := tracking.Multi{&tracking.Klog{Prefix: "experiment " + cfg.ID, Verbosity: 1}}
	if cfg.MetricsJSONL != "" {
		path := cfg.MetricsJSONL
		if rank > 0 {
			ext := filepath.Ext(path)
			path = fmt.Sprintf("%s-rank%d%s", strings.TrimSuffix(path, ext), rank, ext)
		}
		jsonl, err := tracking.NewJSONL(path, cfg.ID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}
	if cfg.MetricsAddr != "" && rank == 0 {
		prom := tracking.NewPrometheus(cfg.ID)
		if _, err := prom.Serve(cfg.MetricsAddr); err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, prom)
	}
	return sinks, nil
}

// RunSingle runs cfg on one worker, without a process group.
func RunSingle(ctx context.Context, cfg RunConfig, inv *distributed.Inventory, opts ...RunOption) (*Result, error) {
	cfg.Mode = ModeSingle
	cfg.Resolve(inv.NumDevices())
	dcfg, err := cfg.DistributedConfig()
	if err != nil {
		return nil, err
	}
	return RunWorker(ctx, cfg, dcfg, inv, opts...)
}

// RunLocal runs all the workers as goroutines of this process, connected in-process.
// It returns the results indexed by rank.
func RunLocal(ctx context.Context, cfg RunConfig, inv *distributed.Inventory, opts ...RunOption) ([]*Result, error) {
	cfg.Mode = ModeLocal
	cfg.Resolve(inv.NumDevices())
	cfg.Backend = distributed.BackendLocal.String()
	dcfg, err := cfg.DistributedConfig()
	if err != nil {
		return nil, err
	}
	hub := distributed.NewLocalHub(dcfg.WorldSize)
	results := make([]*Result, dcfg.WorldSize)
	err = hub.Launch(ctx, func(ctx context.Context, rank int) error {
		rankOpts := append(opts[:len(opts):len(opts)], WithGroupOptions(distributed.WithLocalHub(hub)))
		result, err := RunWorker(ctx, cfg, dcfg.ForRank(rank), inv, rankOpts...)
		results[rank] = result
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunFromEnv runs the worker whose rank is described by the environment: a worker started by Spawn
// (multiNode false) or one of a multi-host job (multiNode true). If lookup is nil, os.LookupEnv is used.
func RunFromEnv(ctx context.Context, cfg RunConfig, lookup distributed.LookupEnvFn, multiNode bool,
	inv *distributed.Inventory, opts ...RunOption) (*Result, error) {
	if multiNode {
		cfg.Mode = ModeMultiHost
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if id, found := lookup(EnvRunID); found && id != "" {
		cfg.ID = id
	}
	cfg.Resolve(inv.NumDevices())
	base, err := cfg.DistributedConfig()
	if err != nil {
		return nil, err
	}
	dcfg, err := distributed.ConfigFromEnv(lookup, base, multiNode)
	if err != nil {
		return nil, err
	}
	cfg.WorldSize = dcfg.WorldSize
	klog.V(1).Infof("worker from environment: %s", dcfg)
	return RunWorker(ctx, cfg, dcfg, inv, opts...)
}

// Spawn starts one process per worker on this node, running executable with args, and waits for all of
// them. Each process finds its rank in the environment (see distributed.Config.Env), with
// EnvSpawnedWorker set. If any process fails, the others are killed and the first error is returned.
func Spawn(ctx context.Context, cfg RunConfig, inv *distributed.Inventory, executable string, args []string,
	stdout, stderr io.Writer) error {
	cfg.Resolve(inv.NumDevices())
	dcfg, err := cfg.DistributedConfig()
	if err != nil {
		return err
	}
	klog.V(1).Infof("spawning %d workers of %s", dcfg.WorldSize, executable)
	g, gCtx := errgroup.WithContext(ctx)
	for rank := range dcfg.WorldSize {
		cmd := exec.CommandContext(gCtx, executable, args...)
		cmd.Env = append(os.Environ(), dcfg.ForRank(rank).Env()...)
		cmd.Env = append(cmd.Env, EnvSpawnedWorker+"=1", EnvRunID+"="+cfg.ID)
		cmd.Stdout, cmd.Stderr = stdout, stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return errors.Wrapf(err, "worker rank %d (%s)", rank, executable)
			}
			return nil
		})
	}
	return g.Wait()
}
