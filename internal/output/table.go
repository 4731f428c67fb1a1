package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/report"
)

const (
	okText   = "ok"
	failText = "FAILED"
)

// WriteTable renders the browser and bypass results as styled terminal tables.
func WriteTable(w io.Writer, rep *engine.Report, noColor bool) {
	writeBrowserTable(w, rep, noColor)
	writeBypassTable(w, rep, noColor)
}

func writeBrowserTable(w io.Writer, rep *engine.Report, noColor bool) {
	names := report.BrowserNames(rep)
	if len(names) == 0 {
		return
	}

	var rows [][]string
	for _, name := range names {
		r := rep.BrowserResults[name]
		rows = append(rows, []string{
			r.Browser,
			r.Method,
			status(r.Success),
			truncate(r.Message, 60),
		})
	}

	fmt.Fprintln(w)
	render(w, []string{"Browser", "Method", "Status", "Detail"}, rows, noColor)
}

func writeBypassTable(w io.Writer, rep *engine.Report, noColor bool) {
	if len(rep.BypassResults) == 0 {
		return
	}

	var rows [][]string
	for _, r := range rep.BypassResults {
		rows = append(rows, []string{
			r.Method,
			status(r.Success),
			truncate(firstLine(r.Message), 60),
		})
	}

	fmt.Fprintln(w)
	render(w, []string{"Technique", "Status", "Detail"}, rows, noColor)
}

func render(w io.Writer, headers []string, rows [][]string, noColor bool) {
	if noColor {
		writeSimpleTable(w, headers, rows)
		return
	}

	statusCol := -1
	for i, h := range headers {
		if h == "Status" {
			statusCol = i
		}
	}

	t := table.New().
		Headers(headers...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
			}
			style := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
			if col == statusCol && row >= 0 && row < len(rows) {
				if rows[row][col] == okText {
					return style.Foreground(lipgloss.Color("42"))
				}
				return style.Foreground(lipgloss.Color("196")).Bold(true)
			}
			return style
		})

	for _, row := range rows {
		t.Row(row...)
	}

	fmt.Fprintln(w, t.Render())
}

func writeSimpleTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, " | ")
		}
		fmt.Fprintf(w, "%-*s", widths[i], h)
	}
	fmt.Fprintln(w)

	for i, width := range widths {
		if i > 0 {
			fmt.Fprint(w, "-+-")
		}
		fmt.Fprint(w, strings.Repeat("-", width))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(w, " | ")
			}
			fmt.Fprintf(w, "%-*s", widths[i], cell)
		}
		fmt.Fprintln(w)
	}
}

func status(ok bool) string {
	if ok {
		return okText
	}
	return failText
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
