package core

import (
	"fmt"
	"strings"

	"github.com/driftlab/vivarium/pkg/llm"
)

// compactToolContext collapses older tool exchanges in a long cycle,
// keeping the initial nudge and the last three assistant turns intact and
// replacing the middle with a short digest.
func compactToolContext(msgs []llm.Message) []llm.Message {
	var assistantIdx []int
	for i, m := range msgs {
		if m.Role == llm.RoleAssistant {
			assistantIdx = append(assistantIdx, i)
		}
	}
	if len(assistantIdx) <= 3 {
		return msgs
	}

	cut := assistantIdx[len(assistantIdx)-3]
	prefix := msgs[:assistantIdx[0]]
	middle := msgs[assistantIdx[0]:cut]
	suffix := msgs[cut:]

	var digest []string
	for _, m := range middle {
		switch {
		case m.Role == llm.RoleTool && m.Content != "":
			digest = append(digest, "  result: "+clip(m.Content, 60))
		case m.Role == llm.RoleAssistant && m.Content != "":
			digest = append(digest, "  thought: "+clip(m.Content, 80))
		}
	}

	out := make([]llm.Message, 0, len(prefix)+1+len(suffix))
	out = append(out, prefix...)
	if len(digest) > 0 {
		if len(digest) > 8 {
			digest = digest[:8]
		}
		out = append(out, llm.UserText(fmt.Sprintf(
			"[Earlier in this cycle: %d context items compacted]\n%s",
			len(middle), strings.Join(digest, "\n"))))
	}
	out = append(out, suffix...)
	return out
}

// summarizeToolLoop digests a finished tool loop into one context entry:
// what succeeded, what failed, with repeats deduplicated.
func summarizeToolLoop(loopLog []loopEntry) string {
	var successes, errs []string
	for _, entry := range loopLog {
		line := fmt.Sprintf("  %s(%s): %s", entry.Tool, clip(entry.ArgsBrief, 50), clip(entry.Result, 100))
		if isErrorResult(entry.Result) {
			errs = append(errs, line)
		} else {
			successes = append(successes, line)
		}
	}

	parts := []string{fmt.Sprintf("[Tool loop: %d calls]", len(loopLog))}
	if len(successes) > 0 {
		parts = append(parts, fmt.Sprintf("Succeeded (%d):", len(successes)))
		if len(successes) > 8 {
			parts = append(parts, successes[:8]...)
			parts = append(parts, fmt.Sprintf("  ... and %d more", len(successes)-8))
		} else {
			parts = append(parts, successes...)
		}
	}
	if len(errs) > 0 {
		unique := dedupe(errs)
		parts = append(parts, fmt.Sprintf("Errors (%d total, %d unique):", len(errs), len(unique)))
		if len(unique) > 5 {
			parts = append(parts, unique[:5]...)
			parts = append(parts, fmt.Sprintf("  ... and %d more unique errors", len(unique)-5))
		} else {
			parts = append(parts, unique...)
		}
	}
	return strings.Join(parts, "\n")
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	var out []string
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
