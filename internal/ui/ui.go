// Package ui renders CLI output: status markers, key/value blocks and tables.
//
// Colors follow the terminal: they are dropped when stdout is not a TTY or
// NO_COLOR is set, so piped output stays plain.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	keyStyle    = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func init() {
	lipgloss.SetColorProfile(DetectProfile(os.Stdout))
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// DetectProfile picks the color profile for output written to f.
func DetectProfile(f *os.File) termenv.Profile {
	if os.Getenv("NO_COLOR") != "" || !IsTerminal(f) {
		return termenv.Ascii
	}
	return termenv.EnvColorProfile()
}

// SetPlain disables or re-enables colors for the rest of the process.
func SetPlain(plain bool) {
	if plain {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(DetectProfile(os.Stdout))
}

// RenderPass renders a success marker or message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker or message.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders a failure marker or message.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent highlights a value.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted dims secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderState colors a coordinator state name.
func RenderState(state string) string {
	switch state {
	case "streaming":
		return RenderPass(state)
	case "degraded":
		return RenderWarn(state)
	case "stopped":
		return RenderFail(state)
	default:
		return RenderMuted(state)
	}
}

// KV is one line of a key/value block.
type KV struct {
	Key   string
	Value string
}

// PrintKV writes aligned "key: value" lines indented by three spaces.
func PrintKV(w io.Writer, pairs ...KV) {
	width := 0
	for _, p := range pairs {
		if len(p.Key) > width {
			width = len(p.Key)
		}
	}
	for _, p := range pairs {
		pad := strings.Repeat(" ", width-len(p.Key))
		fmt.Fprintf(w, "   %s:%s %s\n", keyStyle.Render(p.Key), pad, p.Value)
	}
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// FormatBytes renders a size the way status output shows it.
func FormatBytes(size int64) string {
	switch {
	case size >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size >= 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
