// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/vae"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var listVars bool
	var scope string
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint file>",
		Short: "Display the architecture and the variables of a checkpoint, or of the weights saved by PyTorch (.pth)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ckpt, err := readCheckpoint(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err = summary(out, args[0], ckpt); err != nil {
				return err
			}
			if listVars {
				listVariables(out, ckpt, scope)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listVars, "vars", false, "List the variables, with statistics of their values.")
	cmd.Flags().StringVar(&scope, "scope", "", "Only list the variables under this scope, e.g. \"encoder\".")
	return cmd
}

// readCheckpoint loads a checkpoint, or imports the weights of a PyTorch file.
func readCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	if vae.IsPyTorchFile(path) {
		return vae.ImportPyTorch(path)
	}
	return checkpoints.Load(path)
}

// summary prints the checkpoint header and its architecture.
func summary(out io.Writer, path string, ckpt *checkpoints.Checkpoint) error {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", path)
	table.Row("run", ckpt.RunID)
	table.Row("saved at", ckpt.SavedAt.Local().Format("2006-01-02 15:04:05"))
	table.Row("epoch", humanize.Comma(int64(ckpt.Epoch)))
	table.Row("global_step", humanize.Comma(int64(ckpt.GlobalStep)))
	table.Row("dtype", ckpt.DType)
	table.Row("compression", ckpt.Compression)

	arch, err := vae.ReadArchitecture(ckpt)
	if err != nil {
		return err
	}
	table.Row("architecture", arch.String())
	var numParams int
	for _, v := range ckpt.Values {
		numParams += v.Shape().Size()
	}
	table.Row("# variables", humanize.Comma(int64(len(ckpt.Values))))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes (in memory)", humanize.Bytes(uint64(4*numParams)))
	_, _ = fmt.Fprintln(out, table.Render())
	return nil
}

// variableStats returns the mean absolute value, the root-mean-square and the max absolute value of t.
func variableStats(t *tensors.Tensor) (mav, rms, maxAV float64) {
	data := tensors.MustCopyFlatData[float32](t)
	if len(data) == 0 {
		return
	}
	for _, v := range data {
		abs := math.Abs(float64(v))
		mav += abs
		rms += abs * abs
		maxAV = max(maxAV, abs)
	}
	mav /= float64(len(data))
	rms = math.Sqrt(rms / float64(len(data)))
	return
}

// variableRows returns one row per variable under scope, sorted by name.
func variableRows(ckpt *checkpoints.Checkpoint, scope string) [][]string {
	scope = strings.Trim(scope, "/")
	var rows [][]string
	for name, value := range ckpt.Values {
		if scope != "" && name != scope && !strings.HasPrefix(name, scope+"/") {
			continue
		}
		mav, rms, maxAV := variableStats(value)
		rows = append(rows, []string{
			name, value.Shape().String(),
			humanize.Comma(int64(value.Shape().Size())),
			fmt.Sprintf("%.3g", mav), fmt.Sprintf("%.3g", rms), fmt.Sprintf("%.3g", maxAV),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return rows
}

// listVariables prints the variables with their shape and MAV (mean absolute value), RMS (root-mean-square)
// and MaxAV (max absolute value) values.
func listVariables(out io.Writer, ckpt *checkpoints.Checkpoint, scope string) {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Variables"))
	table := newPlainTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "MAV", "RMS", "MaxAV")
	for _, row := range variableRows(ckpt, scope) {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(out, table.Render())
}
