// ABOUTME: Terminal styling for CLI output
// ABOUTME: Colours headings and statuses on a TTY, plain text when piped

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// styled reports whether out is a terminal.
func styled(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type printer struct {
	out   io.Writer
	color bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, color: styled(out)}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) heading(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintln(p.out, p.render(headingStyle, text))
	_, _ = fmt.Fprintln(p.out, p.render(dimStyle, strings.Repeat("─", len([]rune(text)))))
}

func (p *printer) ok(format string, args ...any) {
	_, _ = fmt.Fprintln(p.out, p.render(okStyle, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) line(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) status(status string) string {
	switch status {
	case "complete", "sent":
		return p.render(okStyle, status)
	case "failed":
		return p.render(errStyle, status)
	default:
		return p.render(warnStyle, status)
	}
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
}
