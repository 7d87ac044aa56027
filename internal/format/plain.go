package format

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

const bannerWidth = 60

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Plain renders events as human-readable lines: a timestamp and session
// prefix, then a per-kind body truncated to the terminal width. Session
// boundaries get a multi-line banner.
type Plain struct {
	color bool
	width int
}

// NewPlain builds a Plain formatter, probing opts.Out for color support
// and terminal width.
func NewPlain(opts Options) *Plain {
	return &Plain{
		color: useColor(opts.Out, opts.NoColor),
		width: terminalWidth(opts.Out, opts.Width),
	}
}

func (p *Plain) Format(ev event.Event) string {
	prefix := p.prefix(ev)

	switch v := ev.(type) {
	case *event.Message:
		role := strings.ToUpper(v.Message.Role)
		c := text.FgBlue
		if strings.EqualFold(v.Message.Role, "user") {
			c = text.FgGreen
		}
		head := prefix + p.paint(c, role) + ": "
		return head + p.fit(head, v.Message.TextContent())

	case *event.ToolUse:
		head := prefix + p.paint(text.FgCyan, "->") + fmt.Sprintf(" %s (%s)", v.ToolName, v.ToolCategory)
		if detail := toolDetail(v.ToolName, v.ToolInput); detail != "" {
			head += ": "
			return head + p.fit(head, detail)
		}
		return head

	case *event.ToolResult:
		if v.IsError {
			head := prefix + "   <- " + p.paint(text.FgRed, "ERROR") + ": "
			return head + p.fit(head, v.Content)
		}
		return prefix + "   " + p.paint(text.Faint, "<- ok")

	case *event.ToolCallCompleted:
		c, st := text.Faint, "ok"
		if v.IsError {
			c, st = text.FgRed, "ERROR"
		}
		note := fmt.Sprintf("[%s completed in %dms: %s]", v.ToolName, v.Duration.Milliseconds(), st)
		return prefix + "   " + p.paint(c, note)

	case *event.SessionStart:
		var b strings.Builder
		sep := p.paint(text.Bold, strings.Repeat("=", bannerWidth))
		b.WriteString("\n" + sep + "\n")
		b.WriteString(p.paint(text.Bold, "SESSION STARTED: "+shortID(v.Session())) + "\n")
		b.WriteString("  Project: " + v.ProjectSlug + "\n")
		b.WriteString("  File: " + filepath.Base(v.FilePath) + "\n")
		if v.CWD != "" {
			b.WriteString("  CWD: " + v.CWD + "\n")
		}
		b.WriteString(sep)
		return b.String()

	case *event.SessionIdle:
		return prefix + p.paint(text.FgYellow, "[Session is now idle]")

	case *event.SessionResume:
		note := fmt.Sprintf("[Session resumed after %.0fs]", v.IdleDuration.Seconds())
		return prefix + p.paint(text.FgGreen, note)

	case *event.SessionEnd:
		var b strings.Builder
		sep := p.paint(text.Bold, strings.Repeat("=", bannerWidth))
		b.WriteString("\n" + sep + "\n")
		b.WriteString(p.paint(text.Bold, "SESSION ENDED: "+shortID(v.Session())) + "\n")
		b.WriteString("  Reason: " + string(v.Reason) + "\n")
		b.WriteString(fmt.Sprintf("  Messages: %d, Tools: %d\n", v.MessageCount, v.ToolCount))
		b.WriteString(sep)
		return b.String()

	case *event.Error:
		head := prefix + p.paint(text.FgRed, "ERROR") + ": "
		return head + p.fit(head, v.ErrorMessage)
	}

	return prefix + string(ev.Kind())
}

func (p *Plain) prefix(ev event.Event) string {
	s := fmt.Sprintf("[%s] [%s] ", ev.Time().Format("15:04:05"), shortID(ev.Session()))
	if agent := ev.Agent(); agent != "" {
		s += fmt.Sprintf("[%s] ", shortID(agent))
	}
	return s
}

func (p *Plain) paint(c text.Color, s string) string {
	if !p.color {
		return s
	}
	return c.Sprint(s)
}

// fit collapses body to one line and truncates it so that head+body stays
// within the terminal width. Heads may contain ANSI sequences; only the
// visible columns count.
func (p *Plain) fit(head, body string) string {
	budget := p.width - visibleWidth(head)
	if budget < 20 {
		budget = 20
	}
	body = strings.TrimSpace(strings.ReplaceAll(body, "\n", " "))
	return runewidth.Truncate(body, budget, "...")
}

func visibleWidth(s string) int {
	return runewidth.StringWidth(ansiPattern.ReplaceAllString(s, ""))
}

// toolDetail extracts the most telling argument of a tool invocation.
func toolDetail(name string, input map[string]any) string {
	switch name {
	case "Bash":
		return inputString(input, "command")
	case "Read", "Write", "Edit":
		return inputString(input, "file_path")
	case "Grep":
		if pat := inputString(input, "pattern"); pat != "" {
			return "/" + pat + "/"
		}
	case "Glob":
		return inputString(input, "pattern")
	case "Task":
		return inputString(input, "description")
	}
	return ""
}

func inputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
