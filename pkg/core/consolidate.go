package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/memory"
	"github.com/driftlab/vivarium/pkg/prompts"
)

// reflect distills recent memories into higher-level insights, stored as
// depth-1 reflection entries pointing back at their sources. The pressure
// counter resets whether or not the pass succeeds, so a flaky model cannot
// wedge the engine into reflecting every cycle.
func (e *Engine) reflect(ctx context.Context) {
	defer e.stream.ResetPressure()

	recent := e.stream.Recent(15)
	if len(recent) == 0 {
		return
	}
	e.emit(EventStatus, "reflecting")

	lines := make([]string, len(recent))
	sourceIDs := make([]string, len(recent))
	for i, m := range recent {
		lines[i] = fmt.Sprintf("[%s] (importance %d): %s", m.Kind, m.Importance, clip(m.Content, 300))
		sourceIDs[i] = m.ID
	}
	input := []llm.Message{llm.UserText("Your recent memories:\n\n" + strings.Join(lines, "\n\n"))}

	resp, err := e.provider.Chat(ctx, input, nil, prompts.Reflection, reflectTokens)
	if err != nil {
		e.log.Error("reflection failed", zap.Error(err))
		e.emit(EventError, "Reflection failed: "+err.Error())
		return
	}

	for _, line := range strings.Split(resp.Text, "\n") {
		insight := strings.TrimSpace(line)
		if insight == "" {
			continue
		}
		if _, err := e.stream.Add(ctx, insight, memory.KindReflection, 1, sourceIDs); err != nil {
			e.log.Error("failed to store reflection", zap.Error(err))
		}
	}
	e.emit(EventReflection, resp.Text)
}

// plan reviews the box state and rewrites projects.md. The model's reply is
// the new plan, optionally followed by a dated log entry after the
// separator line.
func (e *Engine) plan(ctx context.Context) {
	defer func() { e.cyclesSincePlan = 0 }()
	e.emit(EventStatus, "planning")

	projects, ok := e.readBoxFile("projects.md")
	if !ok {
		projects = "(no projects.md yet)"
	}
	files := e.listBoxFiles()
	if len(files) > 30 {
		files = files[:30]
	}
	listing := "(empty)"
	if len(files) > 0 {
		listing = strings.Join(files, "\n")
	}

	memoriesText := "(none yet)"
	if recent := e.stream.Recent(10); len(recent) > 0 {
		lines := make([]string, len(recent))
		for i, m := range recent {
			lines[i] = "- " + clip(m.Content, 200)
		}
		memoriesText = strings.Join(lines, "\n")
	}

	input := []llm.Message{llm.UserText(fmt.Sprintf(
		"Time to plan. Here's your current state:\n\n"+
			"## Current projects.md:\n%s\n\n"+
			"## Files in your world:\n%s\n\n"+
			"## Recent thoughts:\n%s",
		clip(projects, 2000), listing, memoriesText))}

	resp, err := e.provider.Chat(ctx, input, nil, prompts.Planning, planTokens)
	if err != nil {
		e.log.Error("planning failed", zap.Error(err))
		e.emit(EventError, "Planning failed: "+err.Error())
		return
	}
	if resp.Text == "" {
		return
	}

	planBody := resp.Text
	logEntry := ""
	if idx := strings.Index(resp.Text, prompts.LogSeparator); idx >= 0 {
		planBody = strings.TrimSpace(resp.Text[:idx])
		logEntry = strings.TrimSpace(resp.Text[idx+len(prompts.LogSeparator):])
	}

	if err := os.WriteFile(filepath.Join(e.box, "projects.md"), []byte(planBody), 0o644); err != nil {
		e.log.Error("failed to write projects.md", zap.Error(err))
	}

	if logEntry != "" {
		e.appendDated("logs", logEntry)
	}

	e.currentFocus = e.loadFocus()

	// Freshly written plan files should not come back as inbox alerts.
	e.seenFiles = e.scanBoxFiles()

	e.emit(EventPlanning, resp.Text)
}

// journalize synthesizes accumulated cycle metadata into an expressive
// journal entry: appended to the daily journal file and stored as a journal
// memory. Tags are cleared afterwards even on failure.
func (e *Engine) journalize(ctx context.Context) {
	defer func() {
		e.journalTags = nil
		e.cyclesSinceJournal = 0
	}()

	if len(e.journalTags) == 0 {
		return
	}
	e.emit(EventStatus, "journaling")

	tags := e.journalTags
	if len(tags) > 10 {
		tags = tags[len(tags)-10:]
	}
	parts := []string{"Recent cycle metadata:"}
	for _, tag := range tags {
		parts = append(parts, fmt.Sprintf("  cycle %d: mood=%s, tools=%d, active=%t, thought: %s",
			tag.Cycle, tag.Mood, tag.ToolCount, tag.WasActive, tag.ThoughtPreview))
	}
	if artifacts := e.recentArtifacts(5); len(artifacts) > 0 {
		parts = append(parts, "\nRecent computations:")
		for _, a := range artifacts {
			parts = append(parts, fmt.Sprintf("  %s -> %s", clip(a.Expression, 80), clip(a.ResultPreview, 60)))
		}
	}
	if prev := e.stream.RecentKind(1, memory.KindJournal); len(prev) > 0 {
		parts = append(parts, "\nYour previous journal entry:\n"+clip(prev[0].Content, 300))
	}

	input := []llm.Message{llm.UserText(strings.Join(parts, "\n"))}
	resp, err := e.provider.Chat(ctx, input, nil, prompts.Journal, journalTokens)
	if err != nil {
		e.log.Error("journal synthesis failed", zap.Error(err))
		return
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		e.log.Warn("journal synthesis returned empty text")
		return
	}

	e.appendDated("journal", text)

	if _, err := e.stream.Add(ctx, text, memory.KindJournal, 0, nil); err != nil {
		e.log.Error("journal memory add failed", zap.Error(err))
	}

	// Journal files are ours; keep them out of the inbox.
	e.seenFiles = e.scanBoxFiles()

	e.emit(EventJournal, text)
	e.log.Info("journal entry written", zap.Int("chars", len(text)))
}

// appendDated appends a timestamped section to today's file under the given
// box subdirectory.
func (e *Engine) appendDated(subdir, text string) {
	dir := filepath.Join(e.box, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Error("failed to create directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	now := e.now()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Error("failed to open dated file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n## %s\n%s\n", now.Format("3:04 PM"), text)
}
