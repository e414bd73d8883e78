// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"io"
	"strings"

	"github.com/gomlx/shardbench/internal/experiment"
	"github.com/gomlx/shardbench/pkg/ml/shard"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
)

// cliOptions are the flags that are not part of the experiment.RunConfig.
type cliOptions struct {
	preset, settings string
	printConfig      bool

	// Shorthands, applied after parsing.
	noParallel, multiNode, trivial, noWrap bool
}

// listFlag parses a comma (or space) separated list into *target.
func listFlag(target *[]string) func(string) error {
	return func(value string) error {
		*target = strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' })
		return nil
	}
}

// newFlagSet returns the flags of the benchmark, bound to cfg and opts: the defaults are the current values of cfg.
func newFlagSet(name string, cfg *experiment.RunConfig, opts *cliOptions, errorHandling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet(name, errorHandling)
	bindFlags(fs, cfg, opts)
	return fs
}

func bindFlags(fs *flag.FlagSet, cfg *experiment.RunConfig, opts *cliOptions) {
	fs.StringVar(&opts.preset, "config", "", "YAML file with the run configuration. Flags given explicitly override it.")
	fs.StringVar(&opts.settings, "set", "",
		"Settings to override, with the YAML names of the run configuration: e.g. \"epochs=3;plot=[time,memory]\". "+
			"Use \"file:<path>\" to read settings from a file.")
	fs.BoolVar(&opts.printConfig, "print-config", false, "Print the resolved run configuration in YAML and exit.")

	// Process group.
	fs.TextVar(&cfg.Mode, "mode", cfg.Mode, "How workers are started: single, spawn, multihost or local.")
	fs.BoolVar(&opts.noParallel, "no-parallel", false, "Disable parallelism, same as -mode=single.")
	fs.BoolVar(&opts.multiNode, "multinode", false, "Enable multi-node training from the job scheduler environment, same as -mode=multihost.")
	fs.IntVar(&cfg.WorldSize, "world-size", cfg.WorldSize, "Number of workers, -1 for one per visible device.")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Process group backend: gloo, nccl or local.")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout for all workers to join the process group.")
	fs.DurationVar(&cfg.CollectiveTimeout, "collective-timeout", cfg.CollectiveTimeout, "Timeout of each collective, 0 to wait forever.")
	fs.StringVar(&cfg.CoordinatorAddr, "coordinator-addr", cfg.CoordinatorAddr, "Address of the rendezvous, overridden by MASTER_ADDR.")
	fs.IntVar(&cfg.CoordinatorPort, "port", cfg.CoordinatorPort, "Port of the rendezvous, overridden by MASTER_PORT.")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "Device to use: accelerator or cpu (cpu requires -no-parallel).")
	fs.StringVar(&cfg.Devices, "devices", cfg.Devices, "Devices of the node, e.g. \"4xsim-a10:16GiB\". Defaults to $SHARDBENCH_DEVICES.")

	// Task and model.
	fs.TextVar(&cfg.Task, "task", cfg.Task, "Task to run: mnist or trivial.")
	fs.BoolVar(&opts.trivial, "trivial", false, "Run the trivial all-reduce test, same as -task=trivial.")
	fs.IntVar(&cfg.Repeat, "repeat", cfg.Repeat, "Number of times to repeat the trivial test.")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model to train: net, deep or deepest.")
	fs.Float64Var(&cfg.WidthScale, "width-scale", cfg.WidthScale, "Multiplier of the widths of the hidden layers.")
	fs.StringVar(&cfg.Wrap, "wrap", cfg.Wrap, "Sharding wrap policy: size_based, always or none.")
	fs.BoolVar(&opts.noWrap, "no-wrap", false, "Disable wrapping, same as -wrap=none.")
	fs.IntVar(&cfg.MinParams, "min-params", cfg.MinParams, "Minimum number of parameters to wrap with -wrap=size_based.")
	fs.BoolVar(&cfg.CPUOffload, "cpu-offload", cfg.CPUOffload, "Keep the parameter shards in host memory.")
	fs.BoolVar(&cfg.Mixed, "mixed", cfg.Mixed, "Use mixed precision for the gathered parameters.")
	fs.BoolVar(&cfg.NoFSDP, "no-fsdp", cfg.NoFSDP, "Train unsharded replicas instead of a sharded model.")

	// Training.
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "Optimizer: sgd, adam or adadelta.")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "Learning rate.")
	fs.Float64Var(&cfg.Gamma, "gamma", cfg.Gamma, "Learning rate step gamma, applied every epoch.")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "Number of epochs to train.")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Input batch size for training.")
	fs.IntVar(&cfg.TestBatchSize, "test-batch-size", cfg.TestBatchSize, "Input batch size for testing.")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed.")
	fs.IntVar(&cfg.Runs, "runs", cfg.Runs, "Number of runs.")
	fs.BoolVar(&cfg.NoReduce, "no-reduce", cfg.NoReduce, "Report the metrics of each worker's own partition only.")
	fs.BoolVar(&cfg.ProgressBar, "progress-bar", cfg.ProgressBar, "Display a progress bar on the coordinator.")
	fs.Func("no-loss", "Comma separated losses not to report: train and/or test (disabling test skips evaluation).",
		listFlag(&cfg.NoLoss))

	// Data.
	fs.Float64Var(&cfg.Percent, "percent", cfg.Percent, "Fraction of the data to use, in (0, 1].")
	fs.IntVar(&cfg.TrainExamples, "train-examples", cfg.TrainExamples, "Number of synthetic training examples.")
	fs.IntVar(&cfg.TestExamples, "test-examples", cfg.TestExamples, "Number of synthetic test examples.")
	fs.StringVar(&cfg.Data, "data", cfg.Data, "CSV file with the training data, instead of synthetic data.")
	fs.StringVar(&cfg.TestData, "test-data", cfg.TestData, "CSV file with the test data. Defaults to a split of -data.")
	fs.StringVar(&cfg.LabelColumn, "label-column", cfg.LabelColumn, "Name of the label column of the CSV files.")
	fs.BoolVar(&cfg.NoSampler, "no-sampler", cfg.NoSampler, "Every worker visits the whole dataset.")

	// Tracking and checkpoints.
	fs.StringVar(&cfg.ID, "id", cfg.ID, "Experiment id, random if empty.")
	fs.Func("plot", "Comma separated items to track: time, loss, memory and model. Defaults to \"time,loss\".",
		listFlag(&cfg.Plot))
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Memory sampling interval.")
	fs.StringVar(&cfg.MetricsJSONL, "metrics-jsonl", cfg.MetricsJSONL, "File to append the tracked metrics to, in JSON lines.")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address to serve Prometheus metrics on, e.g. \":9090\".")
	fs.BoolVar(&cfg.SaveModel, "save-model", cfg.SaveModel, "Save the trained model.")
	fs.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Directory where the model is saved.")
	fs.IntVar(&cfg.CheckpointEvery, "checkpoint-every", cfg.CheckpointEvery, "Save a checkpoint every N epochs, 0 to disable.")
	fs.IntVar(&cfg.KeepCheckpoints, "keep-checkpoints", cfg.KeepCheckpoints, "Number of checkpoints to keep, -1 to keep all.")
	fs.BoolVar(&cfg.Resume, "resume", cfg.Resume, "Resume from the latest checkpoint in -checkpoint-dir.")
}

// parseConfig builds the run configuration from args: the defaults, then the -config preset, then the flags
// given explicitly, then the -set settings and finally the shorthands.
//
// fs must be a flag set without the benchmark flags, e.g. with only the klog flags: they are added here.
func parseConfig(fs *flag.FlagSet, args []string) (cfg experiment.RunConfig, opts cliOptions, paramsSet []string, err error) {
	// The first pass only finds the preset.
	scratch := experiment.DefaultRunConfig()
	var scratchOpts cliOptions
	pre := newFlagSet(fs.Name(), &scratch, &scratchOpts, flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	fs.VisitAll(func(f *flag.Flag) { pre.Var(f.Value, f.Name, f.Usage) })
	if err = pre.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return
	}
	err = nil

	cfg = experiment.DefaultRunConfig()
	if scratchOpts.preset != "" {
		if err = experiment.LoadPreset(&cfg, scratchOpts.preset); err != nil {
			return
		}
	}
	bindFlags(fs, &cfg, &opts)
	if err = fs.Parse(args); err != nil {
		return
	}
	if fs.NArg() > 0 {
		err = errors.Errorf("unexpected arguments %q", fs.Args())
		return
	}
	if paramsSet, err = experiment.ParseSettings(&cfg, opts.settings); err != nil {
		return
	}
	if opts.noParallel && opts.multiNode {
		err = errkind.Configurationf("cannot disable parallelism and enable multi-node training")
		return
	}
	if opts.noParallel {
		cfg.Mode = experiment.ModeSingle
	}
	if opts.multiNode {
		cfg.Mode = experiment.ModeMultiHost
	}
	if opts.trivial {
		cfg.Task = experiment.TaskTrivial
	}
	if opts.noWrap {
		cfg.Wrap = shard.PolicyNoWrap.String()
	}
	return
}
