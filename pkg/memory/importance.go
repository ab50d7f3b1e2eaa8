package memory

import (
	"context"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/prompts"
)

const (
	minImportance     = 1
	maxImportance     = 10
	defaultImportance = 5
)

var firstIntRe = regexp.MustCompile(`\d+`)

// scoreImportance asks the scorer to rate content on a 1-10 scale. Any
// failure, or a reply with no parseable integer, falls back to the neutral
// mid-value.
func (s *Stream) scoreImportance(ctx context.Context, content string) int {
	if s.scorer == nil {
		return defaultImportance
	}
	resp, err := s.scorer.Chat(ctx, []llm.Message{llm.UserText(content)}, nil, prompts.Importance, 16)
	if err != nil {
		s.log.Warn("importance scoring failed", zap.Error(err))
		return defaultImportance
	}
	return parseImportance(resp.Text)
}

// parseImportance extracts the first integer from a model reply and clamps
// it into range.
func parseImportance(text string) int {
	match := firstIntRe.FindString(text)
	if match == "" {
		return defaultImportance
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return defaultImportance
	}
	if n < minImportance {
		return minImportance
	}
	if n > maxImportance {
		return maxImportance
	}
	return n
}
