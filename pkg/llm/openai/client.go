package openai

import (
	"context"
	"errors"

	"github.com/driftlab/vivarium/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI chat client.
// It implements the llm.Provider interface on top of the chat completions API,
// including tool calling. Any OpenAI-compatible endpoint works via BaseURL.
type Client struct {
	client *openai.Client
	model  string
}

// Config is the configuration for the OpenAI chat client.
// APIKey: API key (required for hosted endpoints)
// Model: Model name to use
// BaseURL: API base URL, defaults to the OpenAI official address
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new OpenAI chat client.
func NewClient(cfg *Config) (*Client, error) {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	client := openai.NewClientWithConfig(config)

	return &Client{
		client: client,
		model:  cfg.Model,
	}, nil
}

// Chat sends the conversation to the chat completions API.
//
// Instructions become a leading system message. Tool definitions are passed
// through when non-nil; requested tool calls come back in ChatResponse
// together with the assistant turn ready to append to history.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, instructions string, maxTokens int) (*llm.ChatResponse, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if instructions != "" {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}
	for _, msg := range messages {
		chatMessages = append(chatMessages, toChatMessage(msg))
	}

	req := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  chatMessages,
		MaxTokens: maxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion failed: no choices returned from API")
	}

	assistant := resp.Choices[0].Message
	out := &llm.ChatResponse{Text: assistant.Content}
	for _, tc := range assistant.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	out.Output = []llm.Message{fromChatMessage(assistant)}

	return out, nil
}

// Close closes the client connection.
// The OpenAI SDK client does not require explicit closing; this method is
// retained for interface compatibility.
func (c *Client) Close() error {
	return nil
}

func toChatMessage(msg llm.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

func fromChatMessage(msg openai.ChatCompletionMessage) llm.Message {
	out := llm.Message{
		Role:    msg.Role,
		Content: msg.Content,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}
