package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const columnGap = 2

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Table buffers rows and prints them column-aligned on Flush. When writing
// to a terminal, wide columns are wrapped so the table fits the window.
// Empty tables produce no output.
type Table struct {
	out      io.Writer
	headers  []string
	rows     [][]string
	prefix   string
	maxWidth int
}

// NewTable creates a table with the given column headers, printing to stdout.
func NewTable(headers ...string) *Table {
	return &Table{
		out:      os.Stdout,
		headers:  headers,
		maxWidth: terminalWidth(os.Stdout),
	}
}

// WithWriter redirects output. Wrapping follows w's terminal width, if any.
func (t *Table) WithWriter(w io.Writer) *Table {
	t.out = w
	t.maxWidth = terminalWidth(w)
	return t
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// WithMaxWidth sets the total line width to wrap at. Zero disables wrapping.
func (t *Table) WithMaxWidth(n int) *Table {
	t.maxWidth = n
	return t
}

// Row adds a row. Cells may contain newlines.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush prints the buffered rows. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			for _, line := range strings.Split(cell, "\n") {
				if n := visualLen(line); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}
	if t.maxWidth > 0 {
		widths = capWidths(widths, t.headers, t.maxWidth, len(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.printLine(widths, t.headers)
	t.printLine(widths, dividers)

	for _, row := range t.rows {
		cells := make([][]string, len(widths))
		height := 1
		for i := range widths {
			if i < len(row) {
				cells[i] = wrapCell(row[i], widths[i])
			}
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for l := 0; l < height; l++ {
			line := make([]string, len(widths))
			for i := range widths {
				if l < len(cells[i]) {
					line[i] = cells[i][l]
				}
			}
			t.printLine(widths, line)
		}
	}
	t.rows = nil
}

func (t *Table) printLine(widths []int, cells []string) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, cell := range cells {
		b.WriteString(cell)
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-visualLen(cell)+columnGap))
		}
	}
	fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
}

// capWidths shrinks the widest columns until the table fits in termWidth,
// never below a column's header width.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	for {
		total := prefix + columnGap*(len(out)-1)
		for _, w := range out {
			total += w
		}
		excess := total - termWidth
		if excess <= 0 {
			return out
		}

		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			return out
		}
		room := out[widest] - visualLen(headers[widest])
		if excess > room {
			excess = room
		}
		out[widest] -= excess
	}
}

// wrapCell splits s into lines of at most width visible characters, breaking
// at spaces where possible. Colour codes are dropped from cells that need
// wrapping.
func wrapCell(s string, width int) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		lines = append(lines, wrapLine(line, width)...)
	}
	return lines
}

func wrapLine(line string, width int) []string {
	if width <= 0 || visualLen(line) <= width {
		return []string{line}
	}

	var lines []string
	cur := ""
	for _, word := range strings.Fields(ansiRe.ReplaceAllString(line, "")) {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case word == "":
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}

// visualLen is the printed width of s, ignoring ANSI colour codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiRe.ReplaceAllString(s, ""))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
