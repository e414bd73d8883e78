// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"
)

// paramsRows returns one row per parameter name present in any checkpoint: name, type and the value in
// each checkpoint. The bool is whether the values differ.
func paramsRows(loaded []loadedCheckpoint) (rows [][]string, differ []bool) {
	keys := make(map[string]bool)
	for _, c := range loaded {
		for key := range c.Checkpoint.Params {
			keys[key] = true
		}
	}
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		row := make([]string, 2+len(loaded))
		row[0] = key
		for i, c := range loaded {
			value, found := c.Checkpoint.Params[key]
			if !found {
				continue
			}
			if row[1] == "" {
				row[1] = fmt.Sprintf("%T", value)
			}
			row[2+i] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
		differ = append(differ, len(slices.Compact(slices.Clone(row[2:]))) > 1)
	}
	return
}

// Params lists the parameters saved with the checkpoints, one column per checkpoint.
func Params(loaded []loadedCheckpoint) {
	r := &report{title: "Parameters", header: []string{"Name", "Type"}}
	if len(loaded) == 1 {
		r.header = append(r.header, "Value")
	} else {
		for _, c := range loaded {
			r.header = append(r.header, c.Name)
		}
	}
	r.rows, r.differ = paramsRows(loaded)
	r.print()
}
