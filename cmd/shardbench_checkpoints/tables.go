// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	differStyle = cellStyle.Foreground(lipgloss.Color("9")).Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// report is one table of the inspector, printed under its title.
type report struct {
	title  string
	header []string

	// align holds the alignment of the first columns, the last one repeats for the remaining columns.
	// Columns are left-aligned if empty.
	align []lipgloss.Position

	rows [][]string

	// differ marks the rows where the checkpoints being compared disagree.
	differ []bool
}

func (r *report) add(differ bool, cells ...string) {
	r.rows = append(r.rows, cells)
	r.differ = append(r.differ, differ)
}

func (r *report) alignment(col int) lipgloss.Position {
	if len(r.align) == 0 {
		return lipgloss.Left
	}
	return r.align[min(col, len(r.align)-1)]
}

// String renders the title and the table.
func (r *report) String() string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Rows(r.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			style := cellStyle
			if r.differ[row] {
				style = differStyle
			} else if row%2 == 1 {
				style = style.Faint(true)
			}
			return style.Align(r.alignment(col))
		})
	if len(r.header) > 0 {
		table.Headers(r.header...)
	}
	return titleStyle.Render(r.title) + "\n" + table.Render()
}

func (r *report) print() {
	fmt.Println(r.String())
}

// glossary renders the definitions of the abbreviations used in a report, one per line.
func glossary(terms ...[2]string) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "  %s:\n", lipgloss.NewStyle().Bold(true).Underline(true).Render("Glossary"))
	for _, term := range terms {
		_, _ = fmt.Fprintf(&sb, "   ◦ %s: %s\n", lipgloss.NewStyle().Bold(true).Render(term[0]),
			lipgloss.NewStyle().Italic(true).Render(term[1]))
	}
	return sb.String()
}
