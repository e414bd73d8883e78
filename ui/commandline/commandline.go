// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardbench/pkg/ml/train"
)

// SprintEval formats evaluation results the way the benchmark reports them at the end of each epoch.
func SprintEval(name string, m train.EvalMetrics) string {
	return fmt.Sprintf("%s set: Average loss: %.4f, Accuracy: %d/%d (%.2f%%)",
		name, m.Mean(), m.Correct, m.SampleCount, 100*m.Accuracy())
}

// SprintTrainEpoch formats the training loss of an epoch, along with the memory allocated on the device.
func SprintTrainEpoch(epoch int, m train.EpochMetrics, rank int, allocatedBytes uint64) string {
	return fmt.Sprintf("Train Epoch: %d \tLoss: %.6f, \t Rank %d memory allocated: %s",
		epoch, m.Mean(), rank, FormatMB(float64(allocatedBytes)))
}

// FormatMB formats a number of bytes in MiB with 2 decimal places, e.g. "12.50MB".
func FormatMB(bytes float64) string {
	return fmt.Sprintf("%.2fMB", bytes/(1<<20))
}

// FormatBytes formats a number of bytes in a human-readable way, e.g. "1.2 GiB".
func FormatBytes(bytes uint64) string {
	return humanize.IBytes(bytes)
}

// SummaryRow is one line of a summary table.
type SummaryRow struct {
	Name, Value string
}

// SprintSummary renders the rows as a table with a title, for the final report of the benchmark.
func SprintSummary(title string, rows []SummaryRow) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, row := range rows {
		table.Row(row.Name, row.Value)
	}
	var sb strings.Builder
	sb.WriteString(lipgloss.NewStyle().Bold(true).Render(title))
	sb.WriteString("\n")
	sb.WriteString(table.String())
	return sb.String()
}
