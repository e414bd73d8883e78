// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// shardbench_checkpoints inspects the checkpoints saved by fsdpbench and augment: the step and sizes, the
// parameters saved along (run id, model, wrapping policy, ...) and statistics of every tensor. Given more
// than one checkpoint directory, it shows them side by side, highlighting the differences.
//
// It also prints the JSON-lines metrics files written with -metrics-jsonl as a table, and can edit a
// checkpoint: deleting tensors or perturbing their values.
//
// Examples:
//
//	shardbench_checkpoints -summary -params checkpoints/
//	shardbench_checkpoints -vars -glossary augmenter/
//	shardbench_checkpoints -metrics=metrics.jsonl -metrics_names='loss$'
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary  = flag.Bool("summary", false, "Display a summary of the checkpoint: step and sizes.")
	flagParams   = flag.Bool("params", false, "Lists the parameters saved along the tensors.")
	flagGlossary = flag.Bool("glossary", false, "Explains the columns of the -vars report.")
	flagPrefix   = flag.String("prefix", "", "Only tensors whose name starts with the prefix are considered by -summary and -vars.")
)

// loadedCheckpoint is one checkpoint directory given on the command line.
type loadedCheckpoint struct {
	Dir, Name  string
	Checkpoint *checkpoints.Checkpoint
}

func loadCheckpoints(dirs []string) ([]loadedCheckpoint, error) {
	names := minimalUniquePaths(dirs...)
	loaded := make([]loadedCheckpoint, len(dirs))
	for i, dir := range dirs {
		exists, err := fsutil.FileExists(dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("checkpoint directory %q does not exist", dir)
		}
		handler, err := checkpoints.Load(dir).Keep(-1).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "loading checkpoint %q", dir)
		}
		loaded[i] = loadedCheckpoint{Dir: dir, Name: names[i], Checkpoint: handler.Loaded()}
	}
	return loaded, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint_dir> [<checkpoint_dir>...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	dirs := flag.Args()
	if *flagMetrics != "" {
		metrics(*flagMetrics)
	}
	if len(dirs) == 0 {
		if *flagMetrics == "" {
			klog.Errorf("Missing checkpoint directory to read from. See 'shardbench_checkpoints -help'")
			os.Exit(1)
		}
		return
	}

	if len(*flagDeleteVars) > 0 || *flagPerturbVars != 0 {
		if len(dirs) > 1 {
			klog.Errorf("-delete_vars and -perturb edit one checkpoint at a time, got %d", len(dirs))
			os.Exit(1)
		}
		if len(*flagDeleteVars) > 0 {
			must.M(DeleteVars(dirs[0], *flagDeleteVars...))
		}
		if *flagPerturbVars != 0 {
			must.M(PerturbVars(dirs[0], *flagPerturbVars, *flagSeed))
		}
	}

	loaded := must.M1(loadCheckpoints(dirs))
	if *flagSummary {
		Summary(loaded, *flagPrefix)
	}
	if *flagParams {
		Params(loaded)
	}
	if *flagVars {
		for _, c := range loaded {
			ListVariables(c, *flagPrefix)
		}
	}
}
