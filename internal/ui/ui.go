// Package ui renders CLI output.
//
// Colors follow the terminal: termenv detects the color profile of stdout
// (honoring NO_COLOR and CLICOLOR_FORCE) and lipgloss styles are rendered
// for that profile, so piped output is plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/tasksync/internal/schema"
)

var (
	mu       sync.RWMutex
	renderer = newRenderer(os.Stdout)
	styles   = newStyles(renderer)
)

type styleSet struct {
	accent lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	done   lipgloss.Style
	bold   lipgloss.Style
}

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	return r
}

func newStyles(r *lipgloss.Renderer) styleSet {
	return styleSet{
		accent: r.NewStyle().Foreground(lipgloss.Color("12")),
		pass:   r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("11")),
		fail:   r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		done:   r.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true),
		bold:   r.NewStyle().Bold(true),
	}
}

// SetOutput re-detects the color profile for w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = newRenderer(w)
	styles = newStyles(renderer)
}

func current() styleSet {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return current().accent.Render(s) }

// RenderPass renders s as a success.
func RenderPass(s string) string { return current().pass.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return current().warn.Render(s) }

// RenderFail renders s as an error.
func RenderFail(s string) string { return current().fail.Render(s) }

// RenderMuted renders s de-emphasized.
func RenderMuted(s string) string { return current().muted.Render(s) }

// RenderBold renders s in bold.
func RenderBold(s string) string { return current().bold.Render(s) }

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// ShortID returns the first 8 characters of a task id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TaskLine renders one task for listings: checkbox, short id and text.
// Tombstones are marked as deleted.
func TaskLine(rec schema.TaskRecord) string {
	st := current()
	box := "[ ]"
	text := rec.Text
	if rec.Done {
		box = st.pass.Render("[x]")
		text = st.done.Render(text)
	}
	line := fmt.Sprintf("%s %s %s", box, st.muted.Render(ShortID(rec.ID)), text)
	if rec.Deleted {
		line += " " + st.fail.Render("(deleted)")
	}
	return line
}

// Ago formats t relative to now, e.g. "3m ago". The zero time is "never".
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

// KeyValues renders aligned "key: value" lines.
func KeyValues(pairs ...[2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "  %s %s\n", RenderMuted(fmt.Sprintf("%-*s", width+1, p[0]+":")), p[1])
	}
	return b.String()
}
