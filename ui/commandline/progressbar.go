// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between terminal updates.
var RefreshPeriod = time.Second * 3

// MaxUpdates is the number of updates of the progress bar during a run, besides the ones
// triggered by RefreshPeriod.
var MaxUpdates = 1000

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	closeOnce        *sync.Once

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "lensvae.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.close() // In case a previous run failed.
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.closeOnce = &sync.Once{}
	pBar.asyncUpdatesDone.Add(1)
	go pBar.display(pBar.updates)
	return nil
}

// rows returns the statistics displayed in the table below the bar.
// stepsDone is the number of steps finished.
func (pBar *progressBar) rows(loop *train.Loop, stepsDone int, metrics []*tensors.Tensor) [][2]string {
	trainMetrics := loop.Trainer.TrainMetrics()
	rows := make([][2]string, 0, len(trainMetrics)+len(pBar.extraMetricFns)+3)
	endStep := "?"
	if loop.EndStep >= 0 {
		endStep = humanize.Comma(int64(loop.EndStep))
	}
	rows = append(rows,
		[2]string{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(stepsDone)), endStep)},
		[2]string{"Epoch", fmt.Sprintf("%d", loop.Epoch+1)},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
	)
	for metricIdx, metricObj := range trainMetrics {
		if metricIdx < len(metrics) {
			rows = append(rows, [2]string{metricObj.Name(), metricObj.PrettyPrint(metrics[metricIdx])})
		}
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if pBar.updates == nil {
		return nil
	}
	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	pBar.updates <- progressBarUpdate{amount: amount, rows: pBar.rows(loop, loop.LoopStep+1, metrics)}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(loop *train.Loop, metrics []*tensors.Tensor) error {
	if amount := loop.LoopStep - pBar.lastStepReported; amount > 0 && pBar.updates != nil {
		// Last steps not yet displayed: at the end the loop has already incremented LoopStep.
		pBar.updates <- progressBarUpdate{amount: amount, rows: pBar.rows(loop, loop.LoopStep, metrics)}
		pBar.lastStepReported = loop.LoopStep
	}
	pBar.close()
	return nil
}

// close stops the display goroutine, after it draws the pending updates. It is a no-op if the
// progress bar is not running.
func (pBar *progressBar) close() {
	if pBar.closeOnce == nil {
		return
	}
	pBar.closeOnce.Do(func() {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
		pBar.termenv.ShowCursor()
		_, _ = fmt.Fprintln(pBar.out)
	})
}

// display asynchronously draws the updates: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) display(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false

		// Print update: the table has one line per row, plus the borders, plus the bar line.
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.numLinesPrinted = len(update.rows) + 2 + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and the train metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// The progress bar stops when the loop ends. The loop skips its end hooks if it fails, so the
// returned function must be called (usually deferred) once the loop returns: it stops the
// progress bar if it is still running.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) (stop func()) {
	return attachProgressBar(loop, os.Stdout, extraMetrics...).close
}

func attachProgressBar(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable: lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			}),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least MaxUpdates times during the loop, or at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, MaxUpdates, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}
