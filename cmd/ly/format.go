package main

import (
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
)

// minDescrWidth keeps a readable description column on narrow terminals.
const minDescrWidth = 12

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

// terminalWidth returns the width of out when it is a terminal, else 0.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// descrWidth is the room left for a trailing description column after
// used columns of output. Zero means no limit.
func descrWidth(out io.Writer, used int) int {
	width := terminalWidth(out)
	if width == 0 {
		return 0
	}
	if width-used < minDescrWidth {
		return minDescrWidth
	}
	return width - used
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
