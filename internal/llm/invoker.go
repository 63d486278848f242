// Package llm invokes language models on behalf of agents.
package llm

import (
	"context"
	"errors"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

var (
	// ErrEmptyResponse is returned when the model answered with no content
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrNotConfigured is returned when an agent has no usable endpoint or key
	ErrNotConfigured = errors.New("agent has no model endpoint configured")
)

// ChunkSink receives incremental output of a streaming invocation
type ChunkSink func(chunk string)

// Invoker calls a model for an agent. Streaming and non-streaming invocations share this
// signature; sink may be nil and non-streaming providers never call it. The returned text is
// the complete answer in both modes.
type Invoker interface {
	Invoke(ctx context.Context, prompt Prompt, agent types.AgentConfig, sink ChunkSink) (string, error)
}
