// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// bytesPerValue of the tensors, as held in memory by the workers.
const bytesPerValue = 8

// Summary prints the step and the sizes of the tensors of each checkpoint.
func Summary(loaded []loadedCheckpoint, prefix string) {
	r := &report{title: "Summary", align: []lipgloss.Position{lipgloss.Right, lipgloss.Left}}
	row := func(label string, value func(c loadedCheckpoint) string) {
		cells := []string{label}
		for _, c := range loaded {
			cells = append(cells, value(c))
		}
		r.add(false, cells...)
	}
	row("checkpoint", func(c loadedCheckpoint) string { return c.Name })
	if prefix != "" {
		row("prefix", func(loadedCheckpoint) string { return prefix })
	}
	row("step", func(c loadedCheckpoint) string { return humanize.Comma(int64(c.Checkpoint.Step)) })

	counts := func(c loadedCheckpoint) (numTensors, numValues int) {
		for _, tensor := range c.Checkpoint.Tensors {
			if strings.HasPrefix(tensor.Name, prefix) {
				numTensors++
				numValues += len(tensor.Data)
			}
		}
		return
	}
	row("# tensors", func(c loadedCheckpoint) string {
		n, _ := counts(c)
		return humanize.Comma(int64(n))
	})
	row("# parameters", func(c loadedCheckpoint) string {
		_, n := counts(c)
		return humanize.Comma(int64(n))
	})
	row("# bytes", func(c loadedCheckpoint) string {
		_, n := counts(c)
		return humanize.Bytes(uint64(n * bytesPerValue))
	})
	r.print()
}
