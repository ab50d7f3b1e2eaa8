package core

import (
	"time"

	"go.uber.org/zap"
)

// EventType classifies entries in the engine's in-memory event buffer.
type EventType string

const (
	EventStatus      EventType = "status"
	EventActivity    EventType = "activity"
	EventThought     EventType = "thought"
	EventToolSummary EventType = "tool_summary"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventReflection  EventType = "reflection"
	EventPlanning    EventType = "planning"
	EventJournal     EventType = "journal"
	EventError       EventType = "error"
)

// Event is one entry in the engine's activity record. Thought, tool summary,
// and reflection events are replayed into the model context on later cycles.
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	ThoughtNumber int       `json:"thought_number"`
	Text          string    `json:"text"`
	Tool          string    `json:"tool,omitempty"`
}

// Sink observes engine events as they happen. Implementations must not
// block; they run on the cycle goroutine.
type Sink interface {
	Notify(Event)
}

// eventBufferCap bounds the in-memory buffer; older events fall off.
const eventBufferCap = 500

func (e *Engine) emit(t EventType, text string) {
	e.emitTool(t, "", text)
}

func (e *Engine) emitTool(t EventType, tool, text string) {
	ev := Event{
		Type:          t,
		Timestamp:     e.now(),
		ThoughtNumber: e.thoughtCount,
		Text:          text,
		Tool:          tool,
	}
	e.mu.Lock()
	e.events = append(e.events, ev)
	if len(e.events) > eventBufferCap {
		e.events = e.events[len(e.events)-eventBufferCap:]
	}
	e.mu.Unlock()

	if e.sink != nil {
		e.sink.Notify(ev)
	}
	e.log.Info("event", zap.String("type", string(t)), zap.String("text", clip(text, 120)))
}

// Events returns a snapshot of the buffer.
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// recentContext returns the last n context-bearing events in order.
func (e *Engine) recentContext(n int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		switch ev.Type {
		case EventThought, EventToolSummary, EventReflection:
			out = append(out, ev)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// lastThought returns the text of the most recent thought event.
func (e *Engine) lastThought() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Type == EventThought {
			return e.events[i].Text, true
		}
	}
	return "", false
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clipEllipsis(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
