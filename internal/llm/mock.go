package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Mock is a deterministic provider for development and tests
type Mock struct {
	// Reply overrides the generated answer
	Reply func(prompt Prompt, agent types.AgentConfig) string
	// Delay is waited before answering, per chunk when streaming
	Delay time.Duration
	// Err fails every invocation
	Err error

	mu    sync.Mutex
	calls map[string]int
}

var _ Invoker = (*Mock)(nil)

// NewMock creates a mock provider with canned replies
func NewMock() *Mock {
	return &Mock{}
}

// Invoke answers from the prompt without calling any model
func (m *Mock) Invoke(ctx context.Context, prompt Prompt, agent types.AgentConfig, sink ChunkSink) (string, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[agent.AgentID]++
	m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}

	reply := m.reply(prompt, agent)

	if agent.Stream && sink != nil {
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if err := m.wait(ctx); err != nil {
				return "", err
			}
			sink(w)
		}
	} else if err := m.wait(ctx); err != nil {
		return "", err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

// Calls returns how often agentID was invoked
func (m *Mock) Calls(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[agentID]
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Mock) reply(prompt Prompt, agent types.AgentConfig) string {
	if m.Reply != nil {
		return m.Reply(prompt, agent)
	}
	last := prompt.Last().Content
	switch agent.Role {
	case types.RoleSummarizer:
		return fmt.Sprintf("The conversation covered %d messages.\n%s the user is chatting with the agents", len(prompt.Messages), FactPrefix)
	case types.RoleObserver:
		return fmt.Sprintf("%s notes: %s", agent.Name, firstLine(strings.TrimPrefix(last, "Primary agent just responded with:\n")))
	default:
		return fmt.Sprintf("%s heard: %s", agent.Name, firstLine(last))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
