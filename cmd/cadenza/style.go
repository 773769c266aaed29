package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorPrimary = lipgloss.Color("#00ff9f")
	colorDim     = lipgloss.Color("#6e7681")
)

// styles renders terminal output. Colours are dropped automatically when the
// writer is not a terminal.
type styles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	dim    lipgloss.Style
	border lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:  r.NewStyle().Bold(true).Foreground(colorPrimary),
		label:  r.NewStyle().Bold(true).Width(10),
		dim:    r.NewStyle().Foreground(colorDim),
		border: r.NewStyle().Foreground(colorPrimary),
	}
}

// field renders one "label value" line.
func (s styles) field(label, value string) string {
	return s.label.Render(label) + " " + value
}

func (s styles) table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.title.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		String()
}
