package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/memory"
)

type loopEntry struct {
	Tool      string
	ArgsBrief string
	Result    string
}

// thinkOnce runs one think cycle and reports whether the model did anything
// (made tool calls). The tool loop is bounded by the per-cycle cap; once hit,
// remaining calls in the batch get placeholder results so the protocol stays
// valid, and the model is forced into a no-tools summary turn.
func (e *Engine) thinkOnce(ctx context.Context) bool {
	instructions, msgs := e.buildInput(ctx)

	resp, err := e.provider.Chat(ctx, msgs, e.toolDefs(), instructions, thinkTokens)
	if err != nil {
		e.log.Error("model call failed", zap.Error(err))
		e.emit(EventError, err.Error())
		return false
	}

	wasActive := len(resp.ToolCalls) > 0
	toolCallCount := 0
	var loopLog []loopEntry
	seenErrors := make(map[string]int)

	for len(resp.ToolCalls) > 0 {
		if resp.Text != "" {
			e.emit(EventThought, resp.Text)
		}
		msgs = append(msgs, resp.Output...)

		for _, tc := range resp.ToolCalls {
			if toolCallCount >= e.cfg.MaxToolCalls {
				result := fmt.Sprintf("(Skipped — tool loop cap of %d reached)", e.cfg.MaxToolCalls)
				loopLog = append(loopLog, loopEntry{Tool: tc.Name, Result: clip(result, 150)})
				msgs = append(msgs, llm.ToolResult(tc.ID, result))
				continue
			}
			toolCallCount++
			e.emitTool(EventToolCall, tc.Name, clip(tc.Arguments, 200))
			e.emitTool(EventActivity, tc.Name, activityLabel(tc.Name))

			result := e.executeTool(ctx, tc)
			result = applyHints(result)

			resultForInput := result
			if isErrorResult(result) {
				key := strings.TrimSpace(result)
				seenErrors[key]++
				if seenErrors[key] > 1 {
					resultForInput = fmt.Sprintf("(Repeated error, seen %dx: %s)", seenErrors[key], clip(key, 80))
				}
			}

			loopLog = append(loopLog, loopEntry{
				Tool:      tc.Name,
				ArgsBrief: argsBrief(tc),
				Result:    clip(result, 150),
			})
			e.emitTool(EventToolResult, tc.Name, result)
			msgs = append(msgs, llm.ToolResult(tc.ID, resultForInput))
		}

		// Collapse older exchanges periodically so a long tool loop cannot
		// grow the context without bound.
		if toolCallCount > 0 && toolCallCount%compactEvery == 0 {
			msgs = compactToolContext(msgs)
		}

		if toolCallCount >= e.cfg.MaxToolCalls {
			e.log.Info("tool loop hit cap, forcing summary", zap.Int("calls", toolCallCount))
			msgs = append(msgs, llm.UserText(fmt.Sprintf(
				"You've made %d tool calls this cycle. Pause here and summarize "+
					"what you learned, what worked, what didn't, and what you want "+
					"to try next cycle.", toolCallCount)))
			capResp, err := e.provider.Chat(ctx, msgs, nil, instructions, thinkTokens)
			if err != nil {
				e.log.Error("cap-off call failed", zap.Error(err))
				// The batch's text was already emitted at the loop top.
				resp = &llm.ChatResponse{}
				break
			}
			resp = capResp
			break
		}

		next, err := e.provider.Chat(ctx, msgs, e.toolDefs(), instructions, thinkTokens)
		if err != nil {
			e.log.Error("follow-up call failed", zap.Error(err))
			e.emit(EventError, err.Error())
			// The batch's text was already emitted at the loop top.
			resp = &llm.ChatResponse{}
			break
		}
		resp = next
	}

	if resp.Text != "" {
		e.mu.Lock()
		e.thoughtCount++
		e.mu.Unlock()
		e.emit(EventThought, resp.Text)

		if _, err := e.stream.Add(ctx, resp.Text, memory.KindObservation, 0, nil); err != nil {
			e.log.Error("memory add failed", zap.Error(err))
		}
	}

	if len(loopLog) > 0 {
		e.emit(EventToolSummary, summarizeToolLoop(loopLog))
	}

	e.appendJournalTag(resp.Text, toolCallCount, wasActive)
	return wasActive
}

// appendJournalTag captures per-cycle metadata for later journal synthesis.
func (e *Engine) appendJournalTag(thought string, toolCount int, wasActive bool) {
	mood := "unknown"
	if e.mood != nil {
		mood = e.mood.Label
	}
	e.journalTags = append(e.journalTags, journalTag{
		Cycle:          e.thoughtCount,
		Mood:           mood,
		ThoughtPreview: clip(thought, 150),
		ToolCount:      toolCount,
		WasActive:      wasActive,
	})
	if len(e.journalTags) > 20 {
		e.journalTags = e.journalTags[len(e.journalTags)-20:]
	}
}
