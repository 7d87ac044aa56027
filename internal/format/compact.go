package format

import (
	"fmt"
	"strings"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// Compact renders one pipe-separated line per event: timestamp, session,
// kind, then a few kind-specific fields. Dense enough for grepping, still
// readable.
type Compact struct{}

func (Compact) Format(ev event.Event) string {
	parts := []string{
		ev.Time().Format("15:04:05"),
		shortID(ev.Session()),
		string(ev.Kind()),
	}

	switch v := ev.(type) {
	case *event.Message:
		parts = append(parts, v.Message.Role, clip(v.Message.TextContent(), 40))
	case *event.ToolUse:
		parts = append(parts, v.ToolName, v.ToolCategory)
	case *event.ToolResult:
		parts = append(parts, status(v.IsError))
	case *event.ToolCallCompleted:
		parts = append(parts, v.ToolName, fmt.Sprintf("%dms", v.Duration.Milliseconds()), status(v.IsError))
	case *event.SessionStart:
		parts = append(parts, v.ProjectSlug)
	case *event.SessionResume:
		parts = append(parts, fmt.Sprintf("%.0fs", v.IdleDuration.Seconds()))
	case *event.SessionEnd:
		parts = append(parts, string(v.Reason), fmt.Sprintf("%dmsg", v.MessageCount))
	case *event.Error:
		parts = append(parts, clip(v.ErrorMessage, 40))
	}

	return strings.Join(parts, " | ")
}
