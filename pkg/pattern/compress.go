package pattern

import "strings"

// ContextBudget caps the accumulated colleague context passed between
// nodes. Past this size models start losing the thread, so older
// entries are squeezed down to their decisions.
const ContextBudget = 6000

// decisionMarkers flag lines worth surviving compression. The mix is
// bilingual because agent personas answer in both French and English.
var decisionMarkers = []string{
	"decision", "choix", "stack", "conclusion", "recommand", "action",
	"verdict", "valide", "approve", "reject", "veto", "[pr]",
	"architecture", "technologie", "priorit",
}

// entryFor formats one accumulated output entry.
func entryFor(agentName, output string) string {
	return "[" + agentName + "]:\n" + output
}

// CompressContext folds accumulated node outputs into one bounded
// string. The newest entry keeps half the budget verbatim; older
// entries share the rest and are reduced to their decision lines.
func CompressContext(entries []string) string {
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return clip(entries[0], ContextBudget)
	}

	half := ContextBudget / 2
	older := entries[:len(entries)-1]
	perEntry := half / len(older)

	parts := make([]string, 0, len(entries))
	for _, e := range older {
		parts = append(parts, compressEntry(e, perEntry))
	}
	parts = append(parts, clip(entries[len(entries)-1], half))
	return strings.Join(parts, "\n\n")
}

// compressEntry keeps the speaker header, the first content line, and
// anything that looks like a decision, list item, or heading, then
// clips to budget.
func compressEntry(entry string, budget int) string {
	var (
		kept        []string
		headerDone  bool
		contentSeen bool
	)
	for _, line := range strings.Split(entry, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if !headerDone && strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]:") {
			kept = append(kept, t)
			headerDone = true
			continue
		}
		headerDone = true
		if !contentSeen {
			kept = append(kept, t)
			contentSeen = true
			continue
		}
		if hasDecisionMarker(strings.ToLower(t)) || isListLine(t) || strings.HasPrefix(t, "#") {
			kept = append(kept, t)
		}
	}
	return clip(strings.Join(kept, "\n"), budget)
}

func hasDecisionMarker(lowerLine string) bool {
	for _, m := range decisionMarkers {
		if strings.Contains(lowerLine, m) {
			return true
		}
	}
	return false
}

func isListLine(t string) bool {
	for _, p := range []string{"- ", "* ", "1.", "2.", "3."} {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// clip truncates with a trailing ellipsis marker.
func clip(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	return s[:budget] + "..."
}
