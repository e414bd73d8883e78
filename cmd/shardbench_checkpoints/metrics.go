// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics      = flag.String("metrics", "", "Lists the metrics of the given JSON-lines file, as written by -metrics-jsonl.")
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name, the metric is included.")
	flagMetricsRun   = flag.String("metrics_run", "", "Only include entries of this run id.")
)

// runAndMetric identifies a column of the metrics table.
type runAndMetric struct{ Run, Metric string }

// metricsTable returns the header and the rows of the metrics table: one row per step, one column per
// metric of each run. Entries of the same step are merged into one row.
func metricsTable(entries []tracking.Entry, names *regexp.Regexp, run string) (header []string, rows [][]string) {
	entries = slices.DeleteFunc(slices.Clone(entries), func(e tracking.Entry) bool { return run != "" && e.Run != run })
	columnSet := make(map[runAndMetric]bool)
	runs := make(map[string]bool)
	for _, entry := range entries {
		runs[entry.Run] = true
		for name := range entry.Metrics {
			if names == nil || names.MatchString(name) {
				columnSet[runAndMetric{entry.Run, name}] = true
			}
		}
	}
	columns := slices.SortedFunc(maps.Keys(columnSet), func(a, b runAndMetric) int {
		if c := strings.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return strings.Compare(a.Run, b.Run)
	})
	columnIdx := make(map[runAndMetric]int, len(columns))
	header = []string{"Step"}
	for i, column := range columns {
		columnIdx[column] = i + 1
		if len(runs) == 1 {
			header = append(header, column.Metric)
		} else {
			header = append(header, fmt.Sprintf("%s: %s", column.Run, column.Metric))
		}
	}

	slices.SortStableFunc(entries, func(a, b tracking.Entry) int { return a.Step - b.Step })
	for i, entry := range entries {
		if i == 0 || entry.Step != entries[i-1].Step {
			rows = append(rows, make([]string, len(header)))
			rows[len(rows)-1][0] = humanize.Comma(int64(entry.Step))
		}
		row := rows[len(rows)-1]
		for name, value := range entry.Metrics {
			if idx, found := columnIdx[runAndMetric{entry.Run, name}]; found {
				row[idx] = formatMetric(name, value)
			}
		}
	}
	return
}

func formatMetric(name string, value float64) string {
	if strings.Contains(name, "accuracy") {
		return fmt.Sprintf("%.2f%%", 100.0*value)
	}
	return fmt.Sprintf("%.3g", value)
}

func metrics(path string) {
	entries := must.M1(tracking.ReadJSONL(path))
	if len(entries) == 0 {
		klog.Errorf("No metrics found in file %q", path)
		return
	}
	var names *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		names, err = regexp.Compile(*flagMetricsNames)
		must.M(errors.Wrapf(err, "failed to compile -metrics_names=%q", *flagMetricsNames))
	}
	header, rows := metricsTable(entries, names, *flagMetricsRun)
	r := &report{title: "Metrics Table", header: header, align: []lipgloss.Position{lipgloss.Right}}
	for _, row := range rows {
		r.add(false, row...)
	}
	r.print()
}
