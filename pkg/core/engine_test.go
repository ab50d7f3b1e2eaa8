package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/vivarium/pkg/compute"
	"github.com/driftlab/vivarium/pkg/config"
	"github.com/driftlab/vivarium/pkg/identity"
	"github.com/driftlab/vivarium/pkg/llm"
	"github.com/driftlab/vivarium/pkg/memory"
)

// scriptedProvider replays canned responses and records every call. Once the
// script runs out it returns failWhenExhausted if set, otherwise a stock
// closing text.
type scriptedProvider struct {
	responses         []*llm.ChatResponse
	failWhenExhausted error
	calls             []providerCall
}

type providerCall struct {
	messages     []llm.Message
	tools        []llm.ToolDef
	instructions string
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, instructions string, maxTokens int) (*llm.ChatResponse, error) {
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	p.calls = append(p.calls, providerCall{messages: snapshot, tools: tools, instructions: instructions})
	if len(p.responses) == 0 {
		if p.failWhenExhausted != nil {
			return nil, p.failWhenExhausted
		}
		return &llm.ChatResponse{Text: "nothing more to say"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Close() error { return nil }

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Text: text}
}

func toolResponse(text string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Text:      text,
		ToolCalls: calls,
		Output:    []llm.Message{{Role: llm.RoleAssistant, Content: text, ToolCalls: calls}},
	}
}

func newTestEngine(t *testing.T, p llm.Provider) *Engine {
	t.Helper()
	return newTestEngineWith(t, p, compute.NewClient(compute.Options{Root: t.TempDir()}))
}

func newTestEngineWith(t *testing.T, p llm.Provider, client *compute.Client) *Engine {
	t.Helper()
	box := t.TempDir()
	stream, err := memory.Open(box, memory.Options{})
	require.NoError(t, err)
	return New(Options{
		ID:       "test",
		BoxPath:  box,
		Identity: &identity.Identity{Name: "Test"},
		Provider: p,
		Stream:   stream,
		Compute:  client,
		Config: config.EngineConfig{
			MaxToolCalls:         20,
			MaxThoughtsInContext: 50,
		},
		Rand: rand.New(rand.NewSource(1)),
	})
}

func TestIdleCycleStoresOneObservation(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("a quiet thought")}}
	e := newTestEngine(t, p)

	active := e.thinkOnce(context.Background())

	assert.False(t, active)
	assert.Equal(t, 1, e.stream.Len())
	assert.Equal(t, 1, e.thoughtCount)

	events := e.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventThought, last.Type)
	assert.Equal(t, "a quiet thought", last.Text)
}

func TestToolLoopCapSkipsExcessCalls(t *testing.T) {
	// One batch of 25 unknown-tool calls: 20 execute, 5 get skip
	// placeholders, then the engine forces a no-tools summary turn.
	calls := make([]llm.ToolCall, 25)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "mystery", Arguments: "{}"}
	}
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("working", calls...),
		textResponse("cycle summary"),
	}}
	e := newTestEngine(t, p)

	active := e.thinkOnce(context.Background())
	assert.True(t, active)

	require.Len(t, p.calls, 2)
	assert.Nil(t, p.calls[1].tools, "cap-off turn must not offer tools")

	var results, skipped int
	var sawCapPrompt bool
	for _, m := range p.calls[1].messages {
		if m.Role == llm.RoleTool {
			results++
			if strings.HasPrefix(m.Content, "(Skipped") {
				skipped++
			}
		}
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "20 tool calls this cycle") {
			sawCapPrompt = true
		}
	}
	assert.Equal(t, 25, results, "every tool call needs a result for protocol validity")
	assert.Equal(t, 5, skipped)
	assert.True(t, sawCapPrompt)
}

func TestRepeatedErrorsDeduplicatedInContext(t *testing.T) {
	// Malformed arguments produce identical errors; the second and third
	// occurrences should enter context as dedup placeholders.
	bad := func(id string) llm.ToolCall {
		return llm.ToolCall{ID: id, Name: "eval", Arguments: "{not json"}
	}
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResponse("trying", bad("c1"), bad("c2"), bad("c3")),
		textResponse("giving up"),
	}}
	e := newTestEngine(t, p)

	e.thinkOnce(context.Background())

	require.Len(t, p.calls, 2)
	var full, deduped int
	for _, m := range p.calls[1].messages {
		if m.Role != llm.RoleTool {
			continue
		}
		if strings.HasPrefix(m.Content, "(Repeated error, seen ") {
			deduped++
		} else {
			full++
		}
	}
	assert.Equal(t, 1, full)
	assert.Equal(t, 2, deduped)
}

func TestFixationWarningAfterRepeatedFailure(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})

	first := e.trackFixation("(broken)", "Error: unbound variable")
	assert.NotContains(t, first, "WARNING")

	second := e.trackFixation("(broken)", "Error: unbound variable")
	assert.Contains(t, second, "tried this exact expression 2 times")

	// Success clears the streak.
	e.trackFixation("(broken)", "finally works")
	third := e.trackFixation("(broken)", "Error: unbound variable")
	assert.NotContains(t, third, "WARNING")
}

func TestPersistentErrorsPruned(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	for i := 0; i < 60; i++ {
		e.persistentErrors[fmt.Sprintf("expr-%d", i)] = i
	}
	e.prunePersistentErrors()
	assert.Len(t, e.persistentErrors, 25)
	// Highest counts survive.
	_, ok := e.persistentErrors["expr-59"]
	assert.True(t, ok)
	_, ok = e.persistentErrors["expr-0"]
	assert.False(t, ok)
}

func TestUserVoiceReplacesNudge(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	e.thoughtCount = 1
	e.ReceiveUserMessage("hello in there")

	_, msgs := e.buildInput(context.Background())
	require.NotEmpty(t, msgs)
	nudge := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleUser, nudge.Role)
	assert.Contains(t, nudge.Content, `"hello in there"`)
	assert.Contains(t, nudge.Content, "respond tool")
}

func TestInboxOverridesNudgeAndResetsPlanCounter(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	e.thoughtCount = 1
	e.cyclesSincePlan = 7
	e.inbox = []inboxFile{{Name: "paper.md", Content: "an interesting paper"}}

	_, msgs := e.buildInput(context.Background())
	nudge := msgs[len(msgs)-1]
	assert.Contains(t, nudge.Content, "paper.md")
	assert.Contains(t, nudge.Content, "an interesting paper")
	assert.Equal(t, 0, e.cyclesSincePlan)
	assert.Empty(t, e.inbox)
}

func TestNewFilesSurfaceAsInbox(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	e.seenFiles = e.scanBoxFiles()

	require.NoError(t, os.WriteFile(filepath.Join(e.box, "gift.txt"), []byte("for you"), 0o644))
	// Internal files never surface.
	require.NoError(t, os.WriteFile(filepath.Join(e.box, "memory_stream.jsonl"), []byte("{}\n"), 0o644))

	fresh := e.checkNewFiles()
	require.Len(t, fresh, 1)
	assert.Equal(t, "gift.txt", fresh[0].Name)
	assert.Equal(t, "for you", fresh[0].Content)

	// A second scan finds nothing new.
	assert.Empty(t, e.checkNewFiles())
}

func TestLoadFocus(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	content := "# Projects\nstuff\n\n# Current Focus\nFinish the parser.\nThen tests.\n\n# Backlog\nother\n"
	require.NoError(t, os.WriteFile(filepath.Join(e.box, "projects.md"), []byte(content), 0o644))

	assert.Equal(t, "Finish the parser. Then tests.", e.loadFocus())
}

func TestRespondDeliversReply(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})

	done := make(chan string, 1)
	go func() {
		done <- e.handleRespond(context.Background(), "anyone there?")
	}()

	// Wait until the engine is actually listening before replying.
	require.Eventually(t, func() bool {
		e.waitingMu.Lock()
		defer e.waitingMu.Unlock()
		return e.waiting
	}, time.Second, 5*time.Millisecond)

	e.ReceiveReply("yes, hello")
	result := <-done
	assert.Contains(t, result, `They say: "yes, hello"`)
}

func TestReplyDroppedWhenNotWaiting(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	e.ReceiveReply("shouting into the void")
	select {
	case <-e.reply:
		t.Fatal("reply should not have been queued")
	default:
	}
}

func TestJournalTagsCapped(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	for i := 0; i < 30; i++ {
		e.appendJournalTag(fmt.Sprintf("thought %d", i), 0, false)
	}
	assert.Len(t, e.journalTags, 20)
	assert.Equal(t, "thought 29", e.journalTags[19].ThoughtPreview)
}

// startStuckDaemon lays out a daemon root the way the launch script would:
// ready file, pid file, stop script, and a unix socket whose handler holds
// every request past the client deadline until answer is flipped on.
func startStuckDaemon(t *testing.T) (string, *atomic.Bool) {
	t.Helper()
	root := t.TempDir()
	replDir := filepath.Join(root, ".loom-repl")
	require.NoError(t, os.MkdirAll(replDir, 0o755))

	sockPath := filepath.Join(root, "loom.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(replDir, "ready"), []byte("socket:loom.sock\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(replDir, "daemon.pid"), []byte("4321\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "daemon.sh"), []byte("#!/bin/bash\nexit 0\n"), 0o755))

	var answer atomic.Bool
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				header := make([]byte, 4)
				if _, err := io.ReadFull(conn, header); err != nil {
					return
				}
				body := make([]byte, binary.BigEndian.Uint32(header))
				if _, err := io.ReadFull(conn, body); err != nil {
					return
				}
				if !answer.Load() {
					time.Sleep(time.Second)
					return
				}
				resp := []byte(`((type . result) (value . "ok"))`)
				out := make([]byte, 4+len(resp))
				binary.BigEndian.PutUint32(out, uint32(len(resp)))
				copy(out[4:], resp)
				conn.Write(out)
			}(conn)
		}
	}()
	return root, &answer
}

func TestEvalTimeoutsTripBreakerAndRestartDaemon(t *testing.T) {
	root, answer := startStuckDaemon(t)
	client := compute.NewClient(compute.Options{Root: root, EvalTimeout: 100 * time.Millisecond})
	e := newTestEngineWith(t, &scriptedProvider{}, client)

	first := e.handleEval(context.Background(), "(loop-forever)")
	assert.Contains(t, first, "Error:")
	assert.Contains(t, first, "timed out")
	assert.NotContains(t, first, "WARNING")
	assert.NotContains(t, first, "CIRCUIT BREAKER")

	second := e.handleEval(context.Background(), "(loop-forever)")
	assert.Contains(t, second, "tried this exact expression 2 times")
	assert.NotContains(t, second, "CIRCUIT BREAKER")

	third := e.handleEval(context.Background(), "(loop-forever)")
	assert.Contains(t, third, "CIRCUIT BREAKER")
	assert.Contains(t, third, "daemon has been restarted")
	assert.Contains(t, third, "tried this exact expression 3 times")
	assert.Equal(t, 0, e.breaker.Consecutive())

	// The restart cleared the ready file so the next call relaunches.
	readyPath := filepath.Join(root, ".loom-repl", "ready")
	_, err := os.Stat(readyPath)
	assert.True(t, os.IsNotExist(err))

	// Bring the daemon back with a fresh pid generation. The first
	// successful call records the new generation before the staleness
	// check, so the breaker message above doubles as the session-reset
	// notice and no extra NOTE is prepended.
	require.NoError(t, os.WriteFile(readyPath, []byte("socket:loom.sock\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".loom-repl", "daemon.pid"), []byte("9876\n"), 0o644))
	answer.Store(true)

	fourth := e.handleEval(context.Background(), "(+ 1 1)")
	assert.Equal(t, "ok", fourth)
}

func TestFollowUpFailureDoesNotDuplicateThought(t *testing.T) {
	// A transient model failure mid loop must not replay the batch's text
	// as a second thought.
	p := &scriptedProvider{
		responses: []*llm.ChatResponse{
			toolResponse("poking at the problem", llm.ToolCall{ID: "c1", Name: "mystery", Arguments: "{}"}),
		},
		failWhenExhausted: errors.New("model unavailable"),
	}
	e := newTestEngine(t, p)

	e.thinkOnce(context.Background())

	var thoughts []string
	for _, ev := range e.Events() {
		if ev.Type == EventThought {
			thoughts = append(thoughts, ev.Text)
		}
	}
	assert.Equal(t, []string{"poking at the problem"}, thoughts)
	assert.Equal(t, 0, e.thoughtCount)
	assert.Equal(t, 0, e.stream.Len())
}

func TestIdleStatusEmittedEachCycle(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("settling in")}}
	e := newTestEngine(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, ev := range e.Events() {
			if ev.Type == EventStatus && ev.Text == "idle" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestJournalizeIncludesPreviousEntry(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResponse("Today I wired the parser together.")}}
	e := newTestEngine(t, p)
	ctx := context.Background()

	_, err := e.stream.Add(ctx, "Yesterday was all groundwork.", memory.KindJournal, 0, nil)
	require.NoError(t, err)
	e.appendJournalTag("laying groundwork", 2, true)

	e.journalize(ctx)

	require.Len(t, p.calls, 1)
	input := p.calls[0].messages[0].Content
	assert.Contains(t, input, "Your previous journal entry:")
	assert.Contains(t, input, "Yesterday was all groundwork.")

	entries := e.stream.RecentKind(1, memory.KindJournal)
	require.Len(t, entries, 1)
	assert.Equal(t, "Today I wired the parser together.", entries[0].Content)
}

func TestMoodRotation(t *testing.T) {
	e := newTestEngine(t, &scriptedProvider{})
	e.ensureMood()
	first := e.mood
	require.NotNil(t, first)

	e.moodCycles = moodDuration - 1
	e.ensureMood()
	assert.Same(t, first, e.mood)

	e.moodCycles = moodDuration
	e.ensureMood()
	assert.Equal(t, 0, e.moodCycles)
	require.NotNil(t, e.mood)
}
