// Package llm provides interfaces and message types for chat model providers.
//
// It defines the Provider interface that all chat implementations must satisfy,
// along with conversation message types and tool-call plumbing.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider defines the interface for chat model providers.
//
// All chat implementations must satisfy this interface. The engine never
// inspects the concrete type; the factory in cmd selects one from
// configuration.
type Provider interface {
	// Chat sends a conversation to the model and returns its reply.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - messages: Conversation history (system, user, assistant, tool messages)
	//   - tools: Tool definitions the model may call; nil disables tool use
	//   - instructions: System instructions prepended to the conversation
	//   - maxTokens: Output token cap (0 uses the provider default)
	//
	// Returns the model response, including any requested tool calls.
	Chat(ctx context.Context, messages []Message, tools []ToolDef, instructions string, maxTokens int) (*ChatResponse, error)

	// Close closes the provider and releases resources.
	Close() error
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is the message role: system, user, assistant, or tool.
	Role string `json:"role"`

	// Content is the message content text.
	Content string `json:"content"`

	// ToolCalls carries tool requests on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument payload. It may be malformed;
	// callers must surface parse failures as tool results, not crashes.
	Arguments string `json:"arguments"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	// Name is the tool name.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// ChatResponse is the result of one Chat call.
type ChatResponse struct {
	// Text is the model-produced text, empty for tool-only turns.
	Text string

	// ToolCalls lists requested tool invocations in the order the model
	// produced them.
	ToolCalls []ToolCall

	// Output holds the assistant turn as history messages, ready to append
	// to the conversation before tool results are fed back.
	Output []Message
}

// ToolResult builds a tool-result message answering the given call.
func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content}
}

// UserText builds a plain user message.
func UserText(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantText builds a plain assistant message.
func AssistantText(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
