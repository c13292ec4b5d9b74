package protocol

import (
	"fmt"
	"unicode/utf8"
)

const displayLimit = 120

// Display returns the short human-readable form of an event, suitable for
// log lines and console consumers. Structured content is summarised, never
// dumped.
func Display(evt *Event) string {
	switch c := evt.Content.(type) {
	case nil:
		return displayFallback(evt)
	case string:
		if c == "" {
			return displayFallback(evt)
		}
		return truncate(c, displayLimit)
	default:
		return displayFallback(evt)
	}
}

func displayFallback(evt *Event) string {
	switch evt.Event {
	case EventAgentToolCall, EventAgentToolResult, EventAgentUserConfirm:
		if name, ok := evt.Metadata["tool_name"].(string); ok {
			return fmt.Sprintf("[%s %s]", evt.Event, name)
		}
	case EventSolverStart, EventSolverCompleted, EventSolverCancelled:
		if task, ok := evt.Metadata["task"].(map[string]any); ok {
			if id, ok := task["id"].(string); ok {
				return fmt.Sprintf("[%s task=%s]", evt.Event, id)
			}
		}
	}
	return "[" + evt.Event + "]"
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
