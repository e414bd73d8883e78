// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the tensors of the checkpoint, with statistics of their values.")
	flagDeleteVars = xslices.Flag("delete_vars", nil, "Comma-separated name prefixes of tensors to delete. "+
		"A new checkpoint is saved without them.", func(s string) (string, error) { return s, nil })
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs all tensors by <x>: it multiplies the values by 1.0+(RandomUniform(-1, 1)*x). "+
			"A new checkpoint is saved with the perturbed values.")
	flagSeed = flag.Int64("seed", 1, "Random seed used by -perturb.")
)

// tensorStats returns the mean absolute value, the root mean square and the max absolute value of data.
func tensorStats(data []float64) (mav, rms, maxAV float64) {
	if len(data) == 0 {
		return
	}
	n := float64(len(data))
	mav = floats.Norm(data, 1) / n
	rms = floats.Norm(data, 2) / math.Sqrt(n)
	maxAV = floats.Norm(data, math.Inf(1))
	return
}

// variablesRows returns the rows of the tensors whose name starts with prefix, sorted by name.
func variablesRows(tensors []nn.NamedTensor, prefix string) [][]string {
	var rows [][]string
	for _, tensor := range tensors {
		if !strings.HasPrefix(tensor.Name, prefix) {
			continue
		}
		var mav, rms, maxAV string
		if len(tensor.Data) == 1 {
			mav = fmt.Sprintf("%8v", tensor.Data[0])
		} else {
			m, r, x := tensorStats(tensor.Data)
			mav, rms, maxAV = fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", x)
		}
		rows = append(rows, []string{
			tensor.Name, fmt.Sprintf("%v", tensor.Shape),
			humanize.Comma(int64(len(tensor.Data))),
			humanize.Bytes(uint64(len(tensor.Data) * bytesPerValue)),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return rows
}

// ListVariables lists the tensors of a checkpoint with their shape, MAV (mean absolute value), RMS
// (root-mean-square) and MaxAV (max absolute value).
func ListVariables(c loadedCheckpoint, prefix string) {
	r := &report{
		title:  fmt.Sprintf("Tensors of %q", c.Name),
		header: []string{"Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV"},
	}
	for _, row := range variablesRows(c.Checkpoint.Tensors, prefix) {
		r.add(false, row...)
	}
	r.print()
	if *flagGlossary {
		fmt.Print(glossary(
			[2]string{"Scalar/MAV", "If the tensor is a scalar then the value itself, else the Mean Absolute Value"},
			[2]string{"RMS", "Root Mean Square"},
			[2]string{"MaxAV", "Max Absolute Value"}))
	}
}

// editCheckpoint loads the latest checkpoint in dir, lets edit change its tensors, and saves the result
// as a new checkpoint with the same step and parameters. Older checkpoints are kept.
func editCheckpoint(dir string, edit func(tensors []nn.NamedTensor) ([]nn.NamedTensor, int)) (int, error) {
	handler, err := checkpoints.Load(dir).Keep(-1).Done()
	if err != nil {
		return 0, err
	}
	loaded := handler.Loaded()
	tensors, numChanged := edit(loaded.Tensors)
	if numChanged == 0 {
		return 0, nil
	}
	if err = handler.Save(loaded.Step, tensors, loaded.Params); err != nil {
		return 0, errors.WithMessagef(err, "saving edited checkpoint in %q", dir)
	}
	return numChanged, nil
}

// DeleteVars deletes the tensors whose names start with any of the prefixes. Empty prefixes are ignored.
func DeleteVars(dir string, prefixes ...string) error {
	prefixes = slices.DeleteFunc(slices.Clone(prefixes), func(prefix string) bool { return prefix == "" })
	if len(prefixes) == 0 {
		return nil
	}
	numDeleted, err := editCheckpoint(dir, func(tensors []nn.NamedTensor) ([]nn.NamedTensor, int) {
		kept := slices.DeleteFunc(slices.Clone(tensors), func(tensor nn.NamedTensor) bool {
			return slices.ContainsFunc(prefixes, func(prefix string) bool { return strings.HasPrefix(tensor.Name, prefix) })
		})
		return kept, len(tensors) - len(kept)
	})
	if err != nil {
		return err
	}
	if numDeleted > 0 {
		fmt.Printf("%d deleted tensors with prefixes %v, new checkpoint saved.\n", numDeleted, prefixes)
	}
	return nil
}

// PerturbVars multiplies every value by a random factor in [1-x, 1+x].
func PerturbVars(dir string, x float64, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	numUpdates, err := editCheckpoint(dir, func(tensors []nn.NamedTensor) ([]nn.NamedTensor, int) {
		for _, tensor := range tensors {
			for i := range tensor.Data {
				tensor.Data[i] *= 1 + x*(2*rng.Float64()-1)
			}
		}
		return tensors, len(tensors)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d tensors updated, new checkpoint saved.\n", numUpdates)
	return nil
}
