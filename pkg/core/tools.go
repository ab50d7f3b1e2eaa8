package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/llm"
)

func (e *Engine) toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        "eval",
			Description: "Evaluate a Scheme expression in your persistent Loom session. Your primary way to compute, explore, and build.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The Scheme expression to evaluate.",
					},
				},
				"required": []string{"expression"},
			},
		},
		{
			Name:        "tracker",
			Description: "File an issue on the Loom's built-in tracker for a genuine bug or missing capability.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"type": map[string]any{
						"type": "string",
						"enum": []string{"bug", "feature", "note"},
					},
					"priority": map[string]any{
						"type":        "integer",
						"description": "1 (urgent) to 5 (someday). Default 3.",
					},
				},
				"required": []string{"title", "description"},
			},
		},
		{
			Name:        "subagent",
			Description: "Launch a focused sub-agent for a deep multi-step investigation. Runs take minutes; use sparingly.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "What the sub-agent should investigate or accomplish.",
					},
					"input": map[string]any{
						"type":        "string",
						"description": "Optional seed material for the run.",
					},
				},
				"required": []string{"task"},
			},
		},
		{
			Name:        "respond",
			Description: "Say something to your owner and wait briefly for a reply.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"message"},
			},
		},
	}
}

// executeTool dispatches one tool call and always returns a result string;
// failures become "Error:" results the model can react to.
func (e *Engine) executeTool(ctx context.Context, tc llm.ToolCall) string {
	args, err := parseArgs(tc.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: malformed tool call, JSON parse failed: %v\n"+
			"Raw arguments: %s\nFix the JSON and try again.", err, clip(tc.Arguments, 150))
	}
	switch strings.TrimSpace(tc.Name) {
	case "eval":
		return e.handleEval(ctx, strArg(args, "expression"))
	case "tracker":
		return e.handleTracker(ctx, args)
	case "subagent":
		return e.handleSubagent(ctx, strArg(args, "task"), strArg(args, "input"))
	case "respond":
		return e.handleRespond(ctx, strArg(args, "message"))
	default:
		return "Unknown tool: " + tc.Name
	}
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func strArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// handleEval runs an expression in the agent's session and layers on the
// daemon-health machinery: the timeout circuit breaker, restart detection,
// fixation tracking, and artifact capture.
func (e *Engine) handleEval(ctx context.Context, expression string) string {
	session := e.session()
	value, err := e.client.Evaluate(ctx, expression, session)

	var result string
	if err != nil {
		result = "Error: " + err.Error()
	} else {
		e.recordArtifact(expression, value)
		result = e.condense(ctx, value)
	}

	if e.breaker.Record(err) {
		e.log.Warn("circuit breaker tripped, restarting daemon")
		if rerr := e.client.RestartDaemon(ctx); rerr != nil {
			e.log.Error("daemon restart failed", zap.Error(rerr))
		}
		e.sessionWarned = false
		result += "\n\n(CIRCUIT BREAKER: The Loom worker was stuck. The daemon has " +
			"been restarted. Your session was reset; re-require any modules you need.)"
	}

	if !e.sessionWarned && e.client.SessionStale(session) {
		result = "(NOTE: The Loom daemon restarted and your session was reset. " +
			"All prior definitions, loaded modules, and variables are gone. " +
			"Re-require any modules you need.)\n\n" + result
		e.sessionWarned = true
	}

	return e.trackFixation(expression, result)
}

// trackFixation counts repeated failures of the same expression across
// cycles and warns the model once it keeps retrying a dead end.
func (e *Engine) trackFixation(expression, result string) string {
	key := strings.TrimSpace(expression)
	if !isErrorResult(result) {
		delete(e.persistentErrors, key)
		return result
	}

	e.persistentErrors[key]++
	count := e.persistentErrors[key]

	if len(e.persistentErrors) > 50 {
		e.prunePersistentErrors()
	}

	if count >= 2 {
		result += fmt.Sprintf("\n\nWARNING: You've tried this exact expression %d times "+
			"and it keeps failing. Stop and try a DIFFERENT approach.", count)
	}
	return result
}

// prunePersistentErrors keeps the 25 most-repeated error keys.
func (e *Engine) prunePersistentErrors() {
	type kv struct {
		key   string
		count int
	}
	all := make([]kv, 0, len(e.persistentErrors))
	for k, v := range e.persistentErrors {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	pruned := make(map[string]int, 25)
	for _, item := range all[:25] {
		pruned[item.key] = item.count
	}
	e.persistentErrors = pruned
}

// handleTracker files an issue through the daemon's issue store.
func (e *Engine) handleTracker(ctx context.Context, args map[string]any) string {
	title := strArg(args, "title")
	description := strArg(args, "description")
	issueType := strArg(args, "type")
	if issueType == "" {
		issueType = "note"
	}
	priority := intArg(args, "priority", 3)

	expr := fmt.Sprintf(
		`(issues-create %q 'type '%s 'priority %d 'created-by %q 'description %q)`,
		title, issueType, priority, e.identity.Name, description)

	result, err := e.client.Evaluate(ctx, expr, e.session())
	if err != nil {
		return "Error: " + err.Error()
	}
	return result
}

// handleRespond surfaces a message to the owner and waits a short window
// for a reply before the agent moves on.
func (e *Engine) handleRespond(ctx context.Context, message string) string {
	e.waitingMu.Lock()
	e.waiting = true
	e.waitingMu.Unlock()
	defer func() {
		e.waitingMu.Lock()
		e.waiting = false
		e.waitingMu.Unlock()
		// Drain a reply that raced the timeout.
		select {
		case <-e.reply:
		default:
		}
	}()

	select {
	case text := <-e.reply:
		return fmt.Sprintf("They say: %q\n(Use respond again to reply, or go back to what you were doing.)", text)
	case <-time.After(conversationWait):
		return "(They didn't say anything else. You can get back to what you were doing.)"
	case <-ctx.Done():
		return "(They didn't say anything else. You can get back to what you were doing.)"
	}
}

// isErrorResult is the shared heuristic for treating a tool result as a
// failure: explicit Error prefix or the daemon's lookup-failure phrasing.
func isErrorResult(result string) bool {
	return strings.HasPrefix(result, "Error:") ||
		strings.Contains(strings.ToLower(result), "not found") ||
		strings.Contains(strings.ToLower(result), "not bound")
}

// applyHints appends recovery guidance for error shapes the model tends to
// flail on.
func applyHints(result string) string {
	if strings.Contains(result, "incorrect number of arguments") {
		result += "\nHint: Use (procedure-arity-mask fn) to check expected argument count before calling."
	}
	if strings.Contains(result, "not found in source directories") {
		result += "\nHint: Use (lf \"keyword\") to search for modules, or (modules) to list all available modules."
	}
	if strings.Contains(result, "Skill not found:") {
		result += "\nHint: (le ...) and (li ...) only work on top-level skill names. " +
			"For submodules, try (le 'parent-skill) to see all exports, " +
			"or (lf \"keyword\") to search by name."
	}
	return result
}

// activityLabel names a tool call for observers watching the event feed.
func activityLabel(tool string) string {
	switch tool {
	case "eval":
		return "evaluating an expression"
	case "subagent":
		return "running a deep task"
	case "respond":
		return "talking with the owner"
	case "tracker":
		return "filing an issue"
	}
	return "working"
}

func argsBrief(tc llm.ToolCall) string {
	args, err := parseArgs(tc.Arguments)
	if err != nil {
		return ""
	}
	switch tc.Name {
	case "eval":
		return clip(strArg(args, "expression"), 80)
	case "subagent":
		return clip(strArg(args, "task"), 80)
	case "tracker":
		return clip(strArg(args, "title"), 80)
	}
	return ""
}
