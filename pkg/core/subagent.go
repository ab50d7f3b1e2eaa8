package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

var subagentNode *snowflake.Node

func init() {
	var err error
	subagentNode, err = snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
}

// handleSubagent launches a bounded daemon-side sub-agent for a deep
// investigation. The run gets its own session so a crash there cannot
// corrupt the agent's main session, and a relaxed timeout sized to the step
// budget.
func (e *Engine) handleSubagent(ctx context.Context, task, seed string) string {
	if task == "" {
		return "Error: subagent requires a task."
	}
	if e.subagent.Endpoint == "" || e.subagent.Model == "" {
		return "Error: no sub-agent runner is configured."
	}

	runID := "run-" + subagentNode.Generate().String()
	session := e.session() + "-" + runID

	// 45s per step plus launch overhead.
	timeout := time.Duration(45*e.subagent.MaxSteps+30) * time.Second

	expr := fmt.Sprintf(
		`(begin (load "pipeline/agent-drive.ss") `+
			`(let* ([provider (make-agent-provider %q %q "OPENAI_API_KEY" 'openai)] `+
			`[config (make-agent-config provider %d %d)]) `+
			`(agent-run config %q %q)))`,
		e.subagent.Endpoint, e.subagent.Model,
		e.subagent.MaxSteps, e.subagent.MaxTokens,
		task, seed)

	e.log.Info("sub-agent run starting",
		zap.String("run", runID),
		zap.Int("max_steps", e.subagent.MaxSteps),
		zap.String("task", clip(task, 80)))

	raw, err := e.client.EvaluateLong(ctx, expr, session, timeout)
	if err != nil {
		return "Error: " + err.Error()
	}

	// The daemon mixes stdout with the expression value; keep only the value.
	if idx := strings.LastIndex(raw, "\n=> "); idx >= 0 {
		raw = raw[idx+len("\n=> "):]
	}

	status, output := parseSubagentResult(raw)
	e.recordArtifact(fmt.Sprintf("(subagent: %s)", clip(task, 200)), raw)

	e.log.Info("sub-agent run complete",
		zap.String("run", runID),
		zap.String("status", status),
		zap.Int("chars", len(raw)))

	switch status {
	case "completed":
		return "[Sub-agent completed] " + output
	case "exhausted":
		return "[Sub-agent exhausted, hit step limit] " + output
	case "error":
		return "[Sub-agent error] " + output
	default:
		return fmt.Sprintf("[Sub-agent %s] %s", status, output)
	}
}

// parseSubagentResult unpacks an (agent-run-result <status> "output")
// s-expression, handling escaped quotes in the output string.
func parseSubagentResult(result string) (status, output string) {
	const prefix = "(agent-run-result "
	idx := strings.Index(result, prefix)
	if idx < 0 {
		return "unknown", clip(result, 300)
	}
	rest := result[idx+len(prefix):]

	space := strings.IndexByte(rest, ' ')
	if space < 0 {
		return "unknown", clip(result, 300)
	}
	status = rest[:space]
	rest = rest[space+1:]

	if !strings.HasPrefix(rest, `"`) {
		return status, clip(rest, 300)
	}

	var sb strings.Builder
	for i := 1; i < len(rest); i++ {
		switch {
		case rest[i] == '\\' && i+1 < len(rest):
			sb.WriteByte(rest[i+1])
			i++
		case rest[i] == '"':
			return status, sb.String()
		default:
			sb.WriteByte(rest[i])
		}
	}
	return status, sb.String()
}
