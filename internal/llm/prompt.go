package llm

import (
	"fmt"
	"strings"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Chat roles understood by every provider
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FactPrefix marks fact lines in summarizer output
const FactPrefix = "FACT:"

const observerInstruction = "Primary agent just responded with:\n%s\n\nReact briefly with a helpful, concise observer note."

const summaryInstruction = `Please summarize this conversation in approximately 200 words:

%s
After the summary, list up to 5 durable facts about the user or the conversation, one per line, each starting with "FACT:".`

// Message is one chat message sent to a provider
type Message struct {
	Role    string
	Content string
}

// Prompt is the ordered message list of one invocation
type Prompt struct {
	Messages []Message
}

// Last returns the final message, the one the model answers
func (p Prompt) Last() Message {
	if len(p.Messages) == 0 {
		return Message{}
	}
	return p.Messages[len(p.Messages)-1]
}

// PromptInput is everything a turn knows when it builds its prompt
type PromptInput struct {
	Agent   types.AgentConfig
	Kind    types.TurnKind
	History []types.Message
	Summary *types.Summary
	Facts   []string
	// Trigger is the message the turn responds to; nil when it fell out of the window
	Trigger *types.Message
	// TriggerText is used when Trigger is nil
	TriggerText string
}

// BuildPrompt composes the system prompt, persona, summary, facts and history of a turn
// followed by a role-specific instruction.
func BuildPrompt(in PromptInput) Prompt {
	var msgs []Message
	if in.Agent.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: in.Agent.SystemPrompt})
	}
	if in.Agent.Persona != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: in.Agent.Persona})
	}

	triggerText := in.TriggerText
	if in.Trigger != nil {
		triggerText = in.Trigger.Text
	}

	if in.Kind == types.TurnKindSummarization || in.Agent.Role == types.RoleSummarizer {
		msgs = append(msgs, Message{Role: RoleUser, Content: fmt.Sprintf(summaryInstruction, transcript(in))})
		return Prompt{Messages: msgs}
	}

	if in.Summary != nil && in.Summary.Text != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: "Conversation summary so far:\n" + in.Summary.Text})
	}
	if len(in.Facts) > 0 {
		msgs = append(msgs, Message{Role: RoleSystem, Content: "Known facts:\n- " + strings.Join(in.Facts, "\n- ")})
	}

	for _, m := range in.History {
		if m.Text == "" || m.Visibility == types.VisibilityHidden {
			continue
		}
		msgs = append(msgs, historyMessage(m, in.Agent))
	}

	switch in.Agent.Role {
	case types.RoleObserver:
		msgs = append(msgs, Message{Role: RoleUser, Content: fmt.Sprintf(observerInstruction, triggerText)})
	default:
		last := Prompt{Messages: msgs}.Last()
		if last.Role != RoleUser || last.Content != triggerText {
			msgs = append(msgs, Message{Role: RoleUser, Content: triggerText})
		}
	}
	return Prompt{Messages: msgs}
}

// historyMessage maps user messages to the user role and agent messages to the assistant
// role, naming the author when it is another agent
func historyMessage(m types.Message, self types.AgentConfig) Message {
	agentID, isAgent := types.AgentIDFromAuthor(m.Author)
	if !isAgent {
		return Message{Role: RoleUser, Content: m.Text}
	}
	if agentID == self.AgentID {
		return Message{Role: RoleAssistant, Content: m.Text}
	}
	name := m.AgentName
	if name == "" {
		name = agentID
	}
	return Message{Role: RoleAssistant, Content: "[" + name + "] " + m.Text}
}

func transcript(in PromptInput) string {
	var b strings.Builder
	if in.Summary != nil && in.Summary.Text != "" {
		b.WriteString("Previous summary: ")
		b.WriteString(in.Summary.Text)
		b.WriteString("\n\n")
	}
	for _, m := range in.History {
		if m.Text == "" || m.Visibility == types.VisibilityHidden {
			continue
		}
		author := m.Author
		if m.AgentName != "" {
			author = m.AgentName
		}
		fmt.Fprintf(&b, "%s: %s\n\n", author, m.Text)
	}
	return b.String()
}

// ParseSummary splits summarizer output into the summary text and its FACT: lines
func ParseSummary(output string) (string, []string) {
	var summary []string
	var facts []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, FactPrefix); ok {
			if fact := strings.TrimSpace(rest); fact != "" {
				facts = append(facts, fact)
			}
			continue
		}
		summary = append(summary, line)
	}
	return strings.TrimSpace(strings.Join(summary, "\n")), facts
}
