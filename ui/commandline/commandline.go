// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// Row of a report: a name and its formatted value.
type Row struct {
	Name, Value string
}

// Report writes a table with the title and the rows to w, e.g. the summary of an evaluation.
func Report(w io.Writer, title string, rows ...Row) error {
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
	_, err := fmt.Fprintf(w, "%s:\n%s\n", title, table.String())
	return err
}
