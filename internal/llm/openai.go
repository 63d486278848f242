package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// OpenAI invokes OpenAI-compatible chat completion endpoints
type OpenAI struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

var _ Invoker = (*OpenAI)(nil)

// NewOpenAI creates a provider; clients are created per endpoint and key on first use
func NewOpenAI() *OpenAI {
	return &OpenAI{clients: make(map[string]*openai.Client)}
}

func (o *OpenAI) clientFor(agent types.AgentConfig) (*openai.Client, error) {
	if agent.APIKey == "" || agent.APIURL == "" || agent.Model == "" {
		return nil, ErrNotConfigured
	}
	key := agent.APIURL + "\x00" + agent.APIKey

	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.clients[key]; ok {
		return c, nil
	}
	cfg := openai.DefaultConfig(agent.APIKey)
	cfg.BaseURL = strings.TrimRight(agent.APIURL, "/")
	c := openai.NewClientWithConfig(cfg)
	o.clients[key] = c
	return c, nil
}

// Invoke sends prompt to the agent's model
func (o *OpenAI) Invoke(ctx context.Context, prompt Prompt, agent types.AgentConfig, sink ChunkSink) (string, error) {
	client, err := o.clientFor(agent)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:       agent.Model,
		Messages:    toOpenAIMessages(prompt),
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
	}

	var text string
	if agent.Stream && sink != nil {
		text, err = o.stream(ctx, client, req, sink)
	} else {
		text, err = o.complete(ctx, client, req)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (o *OpenAI) complete(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) stream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, sink ChunkSink) (string, error) {
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("chat completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if chunk := resp.Choices[0].Delta.Content; chunk != "" {
			b.WriteString(chunk)
			sink(chunk)
		}
	}
}

func toOpenAIMessages(prompt Prompt) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
