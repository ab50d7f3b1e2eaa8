package core

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const artifactsFilename = "loom_artifacts.jsonl"

// Artifact is a record of a successful evaluation worth remembering. The log
// survives restarts and is surfaced in the wake-up context, since the
// daemon's session state does not survive.
type Artifact struct {
	Timestamp     time.Time `json:"timestamp"`
	Expression    string    `json:"expression"`
	ResultPreview string    `json:"result_preview"`
	ResultLength  int       `json:"result_length"`
}

// recordArtifact appends a computation to the artifact log. Trivial probes
// and short throwaway results are skipped; definitions are always kept.
func (e *Engine) recordArtifact(expression, result string) {
	trimmed := strings.TrimSpace(expression)
	if len(result) < 20 && !strings.HasPrefix(trimmed, "(define") {
		return
	}
	if trimmed == "(modules)" || trimmed == "(+ 1 1)" {
		return
	}

	a := Artifact{
		Timestamp:     e.now(),
		Expression:    clip(expression, 500),
		ResultPreview: clip(result, 200),
		ResultLength:  len(result),
	}
	line, err := json.Marshal(a)
	if err != nil {
		return
	}
	path := filepath.Join(e.box, artifactsFilename)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Error("failed to record artifact", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		e.log.Error("failed to record artifact", zap.Error(err))
	}
}

// recentArtifacts loads the last n artifacts, skipping corrupt lines.
func (e *Engine) recentArtifacts(n int) []Artifact {
	f, err := os.Open(filepath.Join(e.box, artifactsFilename))
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Artifact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var a Artifact
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		entries = append(entries, a)
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}
