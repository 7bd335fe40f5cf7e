package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// palette holds the ANSI-256 color values used throughout the CLI.
var (
	clrBrand  = lipgloss.Color("214") // orange
	clrGreen  = lipgloss.Color("114")
	clrRed    = lipgloss.Color("203")
	clrYellow = lipgloss.Color("220")
	clrCyan   = lipgloss.Color("81")
	clrDim    = lipgloss.Color("245")
	clrWhite  = lipgloss.Color("255")
)

// styles wraps lipgloss renderers that respect TTY detection. When output
// is not a terminal (piped, redirected, --json), all styling is disabled
// and raw text is emitted.
type styles struct {
	enabled bool

	Brand lipgloss.Style
	Cyan  lipgloss.Style
	Dim   lipgloss.Style

	Header  lipgloss.Style
	Key     lipgloss.Style
	Value   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Success lipgloss.Style
}

// newStyles enables colors only when w is a terminal and jsonMode is off.
func newStyles(w io.Writer, jsonMode bool) styles {
	enabled := false
	if !jsonMode && os.Getenv("NO_COLOR") == "" {
		if f, ok := w.(*os.File); ok {
			enabled = term.IsTerminal(int(f.Fd()))
		}
	}

	s := styles{enabled: enabled}
	if !enabled {
		noop := lipgloss.NewStyle()
		s.Brand, s.Cyan, s.Dim = noop, noop, noop
		s.Header, s.Key, s.Value = noop, noop, noop
		s.Warning, s.Error, s.Success = noop, noop, noop
		return s
	}

	s.Brand = lipgloss.NewStyle().Foreground(clrBrand)
	s.Cyan = lipgloss.NewStyle().Foreground(clrCyan)
	s.Dim = lipgloss.NewStyle().Foreground(clrDim)

	s.Header = lipgloss.NewStyle().Bold(true).Foreground(clrBrand)
	s.Key = lipgloss.NewStyle().Foreground(clrDim)
	s.Value = lipgloss.NewStyle().Foreground(clrWhite)
	s.Warning = lipgloss.NewStyle().Foreground(clrYellow).Bold(true)
	s.Error = lipgloss.NewStyle().Foreground(clrRed).Bold(true)
	s.Success = lipgloss.NewStyle().Foreground(clrGreen)
	return s
}

func (s styles) banner() string {
	return s.Brand.Render("smarthub")
}

// kv formats a key-value pair like "  Key:  value".
func (s styles) kv(key, value string) string {
	if !s.enabled {
		return fmt.Sprintf("  %-16s %s", key+":", value)
	}
	return fmt.Sprintf("  %s %s",
		s.Key.Render(fmt.Sprintf("%-16s", key+":")),
		s.Value.Render(value),
	)
}

func (s styles) sectionHeader(title string) string {
	return s.Header.Render(title)
}

func (s styles) dim(text string) string {
	return s.Dim.Render(text)
}

func (s styles) errPrefix() string {
	return s.Error.Render("ERROR:")
}

// stat formats a labeled statistic like "scanned=412".
func (s styles) stat(label string, value any) string {
	if !s.enabled {
		return fmt.Sprintf("%s=%v", label, value)
	}
	return fmt.Sprintf("%s=%s", s.Dim.Render(label), s.Value.Render(fmt.Sprint(value)))
}

// separator returns a thin horizontal rule.
func (s styles) separator(width int) string {
	if width <= 0 {
		width = 40
	}
	return s.Dim.Render(strings.Repeat("─", width))
}
