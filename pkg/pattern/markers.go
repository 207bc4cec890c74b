package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Structured markers agents embed in prose. Parsing is forgiving about
// whitespace; formatting always produces the canonical form, so
// format-then-parse round-trips.
var (
	subtaskPattern    = regexp.MustCompile(`(?im)^\s*\[SUBTASK\s*(\d+)\]\s*:?\s*(.+)$`)
	routePattern      = regexp.MustCompile(`(?i)\[ROUTE:\s*([A-Za-z0-9._-]+)\s*\]`)
	completePattern   = regexp.MustCompile(`(?i)\[COMPLETE\]`)
	incompletePattern = regexp.MustCompile(`(?i)\[INCOMPLETE\]`)
)

// parseSubtasks extracts "[SUBTASK N]: description" lines in order.
func parseSubtasks(content string) []string {
	matches := subtaskPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[2]))
	}
	return out
}

// formatSubtasks renders subtasks in the canonical marker form.
func formatSubtasks(subtasks []string) string {
	var sb strings.Builder
	for i, st := range subtasks {
		fmt.Fprintf(&sb, "[SUBTASK %d]: %s\n", i+1, st)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// parseRoute returns the node id chosen by a router agent, or "".
func parseRoute(content string) string {
	m := routePattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

// reviewComplete reports the manager's completeness call. Incomplete is
// checked first so a reply quoting both markers errs toward redo.
func reviewComplete(content string) bool {
	if incompletePattern.MatchString(content) {
		return false
	}
	return completePattern.MatchString(content)
}
