// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fsdpbench benchmarks sharded (FSDP) training of fully-connected classifiers: it trains a model across
// a group of workers, each bound to one device, and reports the time per epoch and the memory allocated on
// every device.
//
// Workers can run as goroutines of one process (-mode=local, the default), as processes spawned on this
// node (-mode=spawn), as the processes of a multi-host job (-mode=multihost, with the rank given by the
// SLURM_* environment variables) or as a single worker (-mode=single).
//
// Examples:
//
//	fsdpbench -world-size=4 -epochs=2 -model=deep -width-scale=0.1
//	fsdpbench -mode=spawn -trivial -repeat=3
//	fsdpbench -config=presets/deep.yaml -set="wrap=always;plot=[time,memory]" -metrics-addr=:9090
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/shardbench/internal/experiment"
	"github.com/gomlx/shardbench/pkg/core/distributed"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	cfg, opts, paramsSet := must.M3(parseConfig(flag.CommandLine, os.Args[1:]))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("settings overridden with -set: %v", paramsSet)
	}
	inv := must.M1(experiment.Inventory(cfg, nil))
	if opts.printConfig {
		cfg.Resolve(inv.NumDevices())
		fmt.Print(cfg.YAML())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := exceptions.TryCatch[error](func() {
		must.M(run(ctx, cfg, inv))
	})
	if err != nil {
		if kind := errkind.Kind(err); kind != "" {
			klog.Errorf("fsdpbench failed with a %s error", kind)
		}
		klog.Errorf("fsdpbench failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

// run dispatches to the launcher of the configured mode.
func run(ctx context.Context, cfg experiment.RunConfig, inv *distributed.Inventory) error {
	if id := os.Getenv(experiment.EnvRunID); id != "" && cfg.ID == "" {
		cfg.ID = id
	}
	cfg.Resolve(inv.NumDevices())
	if os.Getenv(experiment.EnvSpawnedWorker) != "" {
		return runWithSinks(cfg, rankFromEnv(distributed.EnvRank), func(sink tracking.Sink) error {
			_, err := experiment.RunFromEnv(ctx, cfg, nil, false, inv, experiment.WithSink(sink))
			return err
		})
	}
	switch cfg.Mode {
	case experiment.ModeSpawn:
		executable, err := os.Executable()
		if err != nil {
			return err
		}
		return experiment.Spawn(ctx, cfg, inv, executable, os.Args[1:], os.Stdout, os.Stderr)
	case experiment.ModeMultiHost:
		return runWithSinks(cfg, rankFromEnv(distributed.EnvSlurmProcID), func(sink tracking.Sink) error {
			_, err := experiment.RunFromEnv(ctx, cfg, nil, true, inv, experiment.WithSink(sink))
			return err
		})
	case experiment.ModeSingle:
		return runWithSinks(cfg, 0, func(sink tracking.Sink) error {
			_, err := experiment.RunSingle(ctx, cfg, inv, experiment.WithSink(sink))
			return err
		})
	default:
		return runWithSinks(cfg, 0, func(sink tracking.Sink) error {
			_, err := experiment.RunLocal(ctx, cfg, inv, experiment.WithSink(sink))
			return err
		})
	}
}

// runWithSinks opens the metric sinks of the process hosting rank, and closes them after fn.
func runWithSinks(cfg experiment.RunConfig, rank int, fn func(sink tracking.Sink) error) error {
	sinks, err := experiment.OpenSinks(cfg, rank)
	if err != nil {
		return err
	}
	err = fn(sinks)
	if closeErr := sinks.Close(); err == nil {
		err = closeErr
	}
	return err
}

// rankFromEnv returns the rank in the environment variable key, or 0 if not set.
func rankFromEnv(key string) int {
	rank, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return rank
}
