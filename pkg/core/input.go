package core

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/prompts"
)

// Files the engine itself manages never surface as inbox items.
var internalFiles = map[string]bool{
	"memory_stream.jsonl": true,
	"memory_state.json":   true,
	"identity.json":       true,
	artifactsFilename:     true,
}

// Managed root-level files that should not trigger inbox alerts either.
var internalRootFiles = map[string]bool{
	"projects.md": true,
}

var textExts = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".go": true, ".json": true,
	".csv": true, ".yaml": true, ".yml": true, ".toml": true, ".js": true,
	".ts": true, ".html": true, ".css": true, ".sh": true, ".log": true,
	".ss": true, ".scm": true,
}

// scanBoxFiles walks the box directory and returns relative paths of all
// non-internal, non-hidden files.
func (e *Engine) scanBoxFiles() map[string]struct{} {
	files := make(map[string]struct{})
	_ = filepath.WalkDir(e.box, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != e.box {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || internalFiles[name] {
			return nil
		}
		rel, err := filepath.Rel(e.box, path)
		if err != nil {
			return nil
		}
		files[rel] = struct{}{}
		return nil
	})
	return files
}

func (e *Engine) listBoxFiles() []string {
	files := e.scanBoxFiles()
	out := make([]string, 0, len(files))
	for f := range files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// checkNewFiles diffs the box against the last scan and reads any newcomers.
func (e *Engine) checkNewFiles() []inboxFile {
	current := e.scanBoxFiles()
	var fresh []string
	for path := range current {
		if _, seen := e.seenFiles[path]; !seen {
			fresh = append(fresh, path)
		}
	}
	e.seenFiles = current
	sort.Strings(fresh)

	var out []inboxFile
	for _, rel := range fresh {
		full := filepath.Join(e.box, rel)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		entry := inboxFile{Name: rel}
		if textExts[strings.ToLower(filepath.Ext(rel))] {
			data, err := os.ReadFile(full)
			if err != nil {
				entry.Content = "(could not read file)"
			} else {
				entry.Content = clip(string(data), 2000)
			}
		} else {
			entry.Content = fmt.Sprintf("(binary file: %s)", rel)
		}
		out = append(out, entry)
	}
	return out
}

func (e *Engine) readBoxFile(rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(e.box, rel))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// loadFocus extracts the "# Current Focus" section of projects.md.
func (e *Engine) loadFocus() string {
	content, ok := e.readBoxFile("projects.md")
	if !ok {
		return ""
	}
	var focusLines []string
	inFocus := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "# current focus") {
			inFocus = true
			continue
		}
		if inFocus {
			if strings.HasPrefix(line, "# ") {
				break
			}
			if trimmed != "" {
				focusLines = append(focusLines, trimmed)
			}
		}
	}
	return clip(strings.Join(focusLines, " "), 300)
}

// buildInput assembles the system instructions and conversation for one
// cycle: recent thoughts as assistant turns, then a nudge. A pending user
// voice replaces the nudge; pending inbox files override both and reset the
// plan counter so the material gets sustained attention.
func (e *Engine) buildInput(ctx context.Context) (string, []llm.Message) {
	e.ensureMood()
	instructions := prompts.System(e.identity, e.currentFocus, e.mood)

	var msgs []llm.Message
	recent := e.recentContext(e.cfg.MaxThoughtsInContext)
	for _, ev := range recent {
		switch ev.Type {
		case EventThought:
			msgs = append(msgs, llm.AssistantText(clipEllipsis(ev.Text, 300)))
		case EventToolSummary:
			msgs = append(msgs, llm.AssistantText(clipEllipsis(ev.Text, 400)))
		case EventReflection:
			msgs = append(msgs, llm.AssistantText(fmt.Sprintf("[Reflection: %s...]", clip(ev.Text, 200))))
		}
	}

	var nudge string
	if e.thoughtCount == 0 && len(recent) == 0 {
		nudge = e.wakeNudge(ctx)
	} else {
		nudge = e.continueNudge(ctx)
	}

	voice := e.takeUserMessage()
	if voice != "" {
		nudge = fmt.Sprintf("You hear a voice from outside say: %q\n\n"+
			"You can respond with the respond tool, or just keep doing what you're doing.", voice)
	}

	if len(e.inbox) > 0 {
		var parts []string
		if voice != "" {
			parts = append(parts, fmt.Sprintf("You hear a voice from outside say: %q\n", voice))
		}
		names := make([]string, len(e.inbox))
		for i, f := range e.inbox {
			names[i] = f.Name
		}
		parts = append(parts, fmt.Sprintf(
			"YOUR OWNER left something for you! New file(s): %s\n\n"+
				"This is a gift from the outside world. Drop everything and focus on it. "+
				"Your owner took the time to give this to you, so give it your full attention.\n\n"+
				"Here's what to do:\n"+
				"1. Read it thoroughly and understand what it is and why they gave it to you\n"+
				"2. Think about what would be MOST USEFUL to do with it\n"+
				"3. Make a plan: what research, analysis, or projects could come from this?\n"+
				"4. Start executing\n"+
				"5. Use the respond tool to tell your owner what you found and what you're doing with it\n\n"+
				"Spend your next several think cycles on this. Don't just glance at it and move on.",
			strings.Join(names, ", ")))
		for _, f := range e.inbox {
			if f.Content != "" {
				parts = append(parts, fmt.Sprintf("\n%s:\n%s", f.Name, f.Content))
			}
		}
		nudge = strings.Join(parts, "\n")
		// Give the material room before the next planning pass.
		e.cyclesSincePlan = 0
		e.inbox = nil
	}

	msgs = append(msgs, llm.UserText(nudge))
	return instructions, msgs
}

// wakeNudge rebuilds context after a restart from the box's own files, the
// memory stream, and the artifact log.
func (e *Engine) wakeNudge(ctx context.Context) string {
	parts := []string{"You're waking up. Here's your world:\n"}

	if projects, ok := e.readBoxFile("projects.md"); ok {
		parts = append(parts, "**Your projects (projects.md):**\n"+clip(projects, 1500))
	} else {
		parts = append(parts, "**No projects.md yet.** Create one to track what you're working on!")
	}

	if files := e.listBoxFiles(); len(files) > 0 {
		if len(files) > 30 {
			files = files[:30]
		}
		parts = append(parts, "**Files in your world:**\n  "+strings.Join(files, "\n  "))
	}

	memories := e.stream.Retrieve(ctx, "what was I working on and thinking about", 5)
	if len(memories) > 0 {
		lines := make([]string, len(memories))
		for i, m := range memories {
			lines[i] = "- " + clip(m.Content, 200)
		}
		parts = append(parts, "**Memories from before:**\n"+strings.Join(lines, "\n"))
	}

	if artifacts := e.recentArtifacts(5); len(artifacts) > 0 {
		lines := make([]string, len(artifacts))
		for i, a := range artifacts {
			lines[i] = fmt.Sprintf("  > %s -> %s", clip(a.Expression, 80), clip(a.ResultPreview, 60))
		}
		parts = append(parts,
			"**What you computed last time** (this is just a reminder, not files you can "+
				"access. Your session was reset, so re-require any modules you need):\n"+
				strings.Join(lines, "\n"))
	}

	parts = append(parts, "\nCheck your projects. Pick up where you left off, or start something new.")
	return strings.Join(parts, "\n\n")
}

// continueNudge keeps momentum: current focus plus memories related to the
// last thought. Focus mode overrides everything.
func (e *Engine) continueNudge(ctx context.Context) string {
	e.mu.Lock()
	focusMode := e.focusMode
	e.mu.Unlock()
	if focusMode {
		return "Continue.\n" + prompts.FocusNudge
	}

	var parts []string
	if e.currentFocus != "" {
		parts = append(parts, "Current focus: "+e.currentFocus)
	}

	if last, ok := e.lastThought(); ok {
		memories := e.stream.Retrieve(ctx, last, e.cfg.MemoryRetrievalCount)
		cutoff := e.now().Add(-30 * time.Second)
		var lines []string
		for _, m := range memories {
			// Skip memories just written this cycle; they add nothing.
			if m.Timestamp.Before(cutoff) {
				lines = append(lines, "- "+clip(m.Content, 200))
			}
		}
		if len(lines) > 0 {
			parts = append(parts, "Related memories:\n"+strings.Join(lines, "\n"))
		}
	}

	if len(parts) > 0 {
		return "Continue.\n" + strings.Join(parts, "\n")
	}
	return "Continue."
}
