package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/prompts"
)

// condenseThreshold is the result length above which the summarizer kicks in.
const condenseThreshold = 300

// condense shrinks verbose evaluation output with the summarizer model
// before it re-enters the think context. Errors pass through untouched so
// the model sees exactly what failed, and any summarizer failure falls back
// to the raw text.
func (e *Engine) condense(ctx context.Context, text string) string {
	if e.summarizer == nil || len(text) <= condenseThreshold || isErrorResult(text) {
		return text
	}
	resp, err := e.summarizer.Chat(ctx, []llm.Message{llm.UserText(text)}, nil, prompts.Summarizer, 300)
	if err != nil || resp.Text == "" {
		if err != nil {
			e.log.Warn("summarizer failed, keeping raw output", zap.Error(err))
		}
		return text
	}
	return fmt.Sprintf("%s\n(condensed from %d chars)", resp.Text, len(text))
}
