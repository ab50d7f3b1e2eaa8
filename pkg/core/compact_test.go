package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/vivarium/pkg/llm"
)

func assistantTurn(thought string, results ...string) []llm.Message {
	msgs := []llm.Message{llm.AssistantText(thought)}
	for _, r := range results {
		msgs = append(msgs, llm.ToolResult("id", r))
	}
	return msgs
}

func TestCompactKeepsPrefixAndLastThreeTurns(t *testing.T) {
	msgs := []llm.Message{llm.UserText("wake up nudge")}
	for _, turn := range []string{"t1", "t2", "t3", "t4", "t5"} {
		msgs = append(msgs, assistantTurn(turn, "result for "+turn)...)
	}

	out := compactToolContext(msgs)

	// Nudge survives at the front.
	assert.Equal(t, "wake up nudge", out[0].Content)

	// A digest replaces the first two turns.
	require.Greater(t, len(out), 1)
	digest := out[1]
	assert.Equal(t, llm.RoleUser, digest.Role)
	assert.Contains(t, digest.Content, "compacted")
	assert.Contains(t, digest.Content, "thought: t1")
	assert.Contains(t, digest.Content, "result: result for t2")

	// The last three turns are intact.
	joined := ""
	for _, m := range out[2:] {
		joined += m.Content + "\n"
	}
	for _, keep := range []string{"t3", "t4", "t5"} {
		assert.Contains(t, joined, keep)
	}
	assert.NotContains(t, joined, "result for t1")
}

func TestCompactNoOpForShortLoops(t *testing.T) {
	msgs := []llm.Message{llm.UserText("nudge")}
	for _, turn := range []string{"t1", "t2", "t3"} {
		msgs = append(msgs, assistantTurn(turn, "r")...)
	}
	out := compactToolContext(msgs)
	assert.Equal(t, msgs, out)
}

func TestSummarizeToolLoopSplitsAndDedupes(t *testing.T) {
	log := []loopEntry{
		{Tool: "eval", ArgsBrief: "(+ 1 2)", Result: "3"},
		{Tool: "eval", ArgsBrief: "(broken)", Result: "Error: unbound variable"},
		{Tool: "eval", ArgsBrief: "(broken)", Result: "Error: unbound variable"},
		{Tool: "respond", ArgsBrief: "", Result: "(They didn't say anything else. You can get back to what you were doing.)"},
	}
	summary := summarizeToolLoop(log)

	assert.Contains(t, summary, "[Tool loop: 4 calls]")
	assert.Contains(t, summary, "Succeeded (2):")
	assert.Contains(t, summary, "Errors (2 total, 1 unique):")
	assert.Equal(t, 1, strings.Count(summary, "unbound variable"))
}

func TestParseSubagentResult(t *testing.T) {
	status, output := parseSubagentResult(`(agent-run-result completed "found the \"answer\"")`)
	assert.Equal(t, "completed", status)
	assert.Equal(t, `found the "answer"`, output)

	status, output = parseSubagentResult(`(agent-run-result exhausted "partial work")`)
	assert.Equal(t, "exhausted", status)
	assert.Equal(t, "partial work", output)

	status, _ = parseSubagentResult("something unrecognizable")
	assert.Equal(t, "unknown", status)
}

func TestApplyHints(t *testing.T) {
	hinted := applyHints("Error: incorrect number of arguments to #<procedure f>")
	assert.Contains(t, hinted, "procedure-arity-mask")

	hinted = applyHints("Error: mymod not found in source directories")
	assert.Contains(t, hinted, "(modules)")

	assert.Equal(t, "all good", applyHints("all good"))
}

func TestIsErrorResult(t *testing.T) {
	assert.True(t, isErrorResult("Error: boom"))
	assert.True(t, isErrorResult("variable x is not bound"))
	assert.True(t, isErrorResult("module Not Found"))
	assert.False(t, isErrorResult("42"))
	assert.False(t, isErrorResult("(truncated output)"))
}
