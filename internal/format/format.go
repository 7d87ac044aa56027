// Package format renders pipeline events for terminal output. Three
// formatters are provided: Plain (colored human-readable lines), JSON
// (one wire envelope per line), and Compact (pipe-separated fields).
package format

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// Formatter turns one event into its printable representation, without a
// trailing newline.
type Formatter interface {
	Format(ev event.Event) string
}

// Options control formatter construction.
type Options struct {
	// Out is the destination the formatted lines are written to. It
	// drives color auto-detection and terminal width probing; nil (or a
	// non-terminal writer) disables colors and falls back to 80 columns.
	Out io.Writer

	// NoColor disables ANSI styling regardless of terminal detection.
	NoColor bool

	// Width overrides the probed terminal width.
	Width int
}

// New returns the formatter registered under name. The empty name selects
// Plain.
func New(name string, opts Options) (Formatter, error) {
	switch strings.ToLower(name) {
	case "", "plain":
		return NewPlain(opts), nil
	case "json":
		return JSON{}, nil
	case "compact":
		return Compact{}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (valid: plain, json, compact)", name)
	}
}

func useColor(out io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func terminalWidth(out io.Writer, override int) int {
	if override > 0 {
		return override
	}
	if f, ok := out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if v, err := strconv.Atoi(cols); err == nil && v > 0 {
			return v
		}
	}
	return 80
}

// shortID abbreviates a session or agent id to its first eight characters.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// clip collapses s to a single line and cuts it to w display columns.
func clip(s string, w int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	return runewidth.Truncate(s, w, "")
}

func status(isError bool) string {
	if isError {
		return "error"
	}
	return "ok"
}
