// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn returns a row (name and value) shown below the training statistics, e.g. the memory
// allocated on the device. It is called at every redraw.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the longest time between redraws.
var RefreshPeriod = time.Second * 3

// MinRedrawInterval is the shortest time between redraws: steps in between only advance the counter.
var MinRedrawInterval = time.Millisecond * 200

// Output where the progress bar is drawn. Tests may redirect it.
var Output io.Writer = os.Stdout

// ProgressbarStyle to use. progressbar.ThemeUnicode is prettier, if the terminal has the symbols.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "shardbench.ui.commandline.progressBar"

var (
	statsNameStyle  = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	statsValueStyle = lipgloss.NewStyle().Padding(0, 1)
	statsIndent     = lipgloss.NewStyle().PaddingLeft(8)
)

// trainingProgress draws the progress of the steps of one worker, with a table of statistics above it.
type trainingProgress struct {
	extras []ExtraMetricFn

	bar        *progressbar.ProgressBar
	term       *termenv.Output
	reported   int // Steps already counted.
	pending    int // Steps counted but not added to bar yet.
	lastDraw   time.Time
	linesDrawn int
	epochLoss  string
}

func (p *trainingProgress) onStart(loop *train.Loop, _ *data.Loader) error {
	p.reported = loop.LoopStep
	p.pending = 0
	p.linesDrawn = 0
	p.lastDraw = time.Time{}
	p.term = termenv.NewOutput(Output)
	p.bar = progressbar.NewOptions(loop.EndStep-loop.StartStep,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(Output),
	)
	return nil
}

func (p *trainingProgress) onStep(loop *train.Loop, batchLoss float64) error {
	done := loop.LoopStep + 1
	if done <= p.reported {
		return nil
	}
	p.pending += done - p.reported
	p.reported = done
	if time.Since(p.lastDraw) < MinRedrawInterval && done < loop.EndStep {
		return nil
	}
	p.draw(p.stats(loop, batchLoss))
	return nil
}

func (p *trainingProgress) onEpoch(_ *train.Loop, metrics train.EpochMetrics) error {
	p.epochLoss = fmt.Sprintf("%.6f (%s examples)", metrics.Mean(), humanize.Comma(int64(metrics.SampleCount)))
	return nil
}

func (p *trainingProgress) onEnd(_ *train.Loop, _ train.EpochMetrics) error {
	if p.pending > 0 {
		_ = p.bar.Add(p.pending)
		p.pending = 0
	}
	p.term.ShowCursor()
	_, _ = fmt.Fprintln(Output)
	return nil
}

// stats returns the rows of the statistics table.
func (p *trainingProgress) stats(loop *train.Loop, batchLoss float64) [][]string {
	rows := [][]string{
		{"Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(loop.LoopStep+1)), humanize.Comma(int64(loop.EndStep)))},
		{"Epoch", humanize.Comma(int64(loop.Epoch + 1))},
		{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
		{"Batch loss", fmt.Sprintf("%.6f", batchLoss)},
		{"Last epoch loss", p.epochLoss},
	}
	for _, extra := range p.extras {
		name, value := extra()
		rows = append(rows, []string{name, value})
	}
	return rows
}

// draw replaces the previous table and bar with the given statistics and the pending steps.
func (p *trainingProgress) draw(rows [][]string) {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return statsNameStyle
			}
			return statsValueStyle
		}).
		Rows(rows...)

	p.term.HideCursor()
	if p.linesDrawn > 0 {
		p.term.CursorPrevLine(p.linesDrawn)
	}
	_, _ = fmt.Fprintln(Output, statsIndent.Render(table.String()))
	_ = p.bar.Add(p.pending)
	_, _ = fmt.Fprintln(Output)
	p.term.ShowCursor()

	// Rows, borders, the bar and the line after it.
	p.linesDrawn = len(rows) + 4
	p.pending = 0
	p.lastDraw = time.Now()
}

// AttachProgressBar draws the progress of the loop on Output, with the step, epoch, median step duration
// and losses, followed by the rows returned by extraMetrics.
//
// Only the coordinator worker should attach one.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	p := &trainingProgress{extras: extraMetrics, epochLoss: "-"}
	loop.OnStart(ProgressBarName, 0, p.onStart)
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, p.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, p.onStep)
	loop.OnEpoch(ProgressBarName, 0, p.onEpoch)
	loop.OnEnd(ProgressBarName, 0, p.onEnd)
}
