// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// minimalUniquePaths returns for each path the shortest label that tells it apart from the others: the
// only differing path component, or the first and last differing ones joined by "...".
func minimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	split := make([][]string, len(paths))
	for i, p := range paths {
		split[i] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	labels := make([]string, len(paths))
	for i, components := range split {
		var diffs []int
		for j, other := range split {
			if i == j {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(diffs, k) {
					diffs = append(diffs, k)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			labels[i] = components[len(components)-1]
		case 1:
			labels[i] = components[diffs[0]]
		default:
			labels[i] = components[diffs[0]] + "..." + components[diffs[len(diffs)-1]]
		}
	}
	return labels
}
