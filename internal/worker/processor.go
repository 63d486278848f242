// Package worker processes queued turns: it serializes them per session with the session
// lock, invokes the agent's model and commits and publishes the outcome exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/llm"
	"github.com/AltairaLabs/chatrelay/internal/lock"
	"github.com/AltairaLabs/chatrelay/internal/storage"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

// Outcome tells the consumer what to do with a delivery after processing
type Outcome int

const (
	// Acked means the entry is done and acknowledged
	Acked Outcome = iota
	// Deferred means the entry must be retried later; it stays pending
	Deferred
	// Abandoned means processing stopped without a terminal event; redelivery reprocesses it
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Deferred:
		return "deferred"
	default:
		return "abandoned"
	}
}

// Agents resolves the static agent roster
type Agents interface {
	Agent(agentID string) (types.AgentConfig, bool)
	Observers() []types.AgentConfig
	Summarizer() (types.AgentConfig, bool)
}

// Store is the session state a processor reads and commits to
type Store interface {
	storage.SessionStore
	storage.TurnStore
}

// Locker guards sessions
type Locker interface {
	Acquire(ctx context.Context, sessionID string, lease time.Duration) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) error
	KeepAlive(ctx context.Context, h *lock.Handle, lease time.Duration, lost func(error))
}

// Publisher broadcasts session events
type Publisher interface {
	Publish(ctx context.Context, ev *types.Event) (uint64, error)
	PublishEncoded(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error)
	PublishWorking(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error)
}

// ProcessorConfig holds the timing of turn processing
type ProcessorConfig struct {
	LockLease    time.Duration
	TurnTimeout  time.Duration
	MaxPartials  int
	PartialFlush time.Duration
}

// DefaultProcessorConfig returns default configuration
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		LockLease:    config.DefaultLockLease,
		TurnTimeout:  config.DefaultTurnTimeout,
		MaxPartials:  config.DefaultMaxPartials,
		PartialFlush: config.DefaultPartialFlushInterval,
	}
}

// Processor runs one delivery through the turn lifecycle
type Processor struct {
	agents    Agents
	store     Store
	queue     taskqueue.TaskQueueInterface
	locks     Locker
	publisher Publisher
	invoker   llm.Invoker
	logger    *slog.Logger
	cfg       ProcessorConfig
}

// NewProcessor creates a turn processor
func NewProcessor(
	agents Agents,
	store Store,
	queue taskqueue.TaskQueueInterface,
	locks Locker,
	publisher Publisher,
	invoker llm.Invoker,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *Processor {
	if cfg.LockLease <= 0 {
		cfg.LockLease = config.DefaultLockLease
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = config.DefaultTurnTimeout
	}
	return &Processor{
		agents:    agents,
		store:     store,
		queue:     queue,
		locks:     locks,
		publisher: publisher,
		invoker:   invoker,
		logger:    logger,
		cfg:       cfg,
	}
}

// turnResult is the outcome of invoking the model
type turnResult struct {
	text   string
	reason string
	err    error
}

func (r turnResult) failed() bool {
	return r.reason != ""
}

// Process handles one delivery
func (p *Processor) Process(ctx context.Context, d taskqueue.Delivery) Outcome {
	logger := p.logger.With(
		"session_id", d.SessionID,
		"entry_id", d.ID,
		"agent_id", d.AgentID,
		"kind", d.Kind,
	)

	agent, ok := p.agents.Agent(d.AgentID)
	if !ok {
		logger.Error("Dropping turn for unknown agent")
		p.sessionError(ctx, d.SessionID, types.ReasonUnknownAgent, fmt.Sprintf("unknown agent %q", d.AgentID))
		return p.ack(ctx, logger, d)
	}

	h, err := p.locks.Acquire(ctx, d.SessionID, p.cfg.LockLease)
	if errors.Is(err, lock.ErrBusy) {
		return Deferred
	}
	if err != nil {
		logger.Warn("Failed to acquire session lock", "error", err)
		return Deferred
	}
	defer p.release(logger, h)

	head, err := p.queue.IsHead(ctx, d)
	if err != nil {
		logger.Warn("Failed to check queue order", "error", err)
		return Deferred
	}
	if !head {
		return Deferred
	}

	key := d.IdempotencyKey()
	record, err := p.store.LoadTurn(ctx, d.SessionID, key)
	if err != nil {
		logger.Warn("Failed to load turn record", "error", err)
		return Deferred
	}
	if done, outcome := p.resume(ctx, logger, d, agent, record); done {
		return outcome
	}

	if record == nil {
		record, _, err = p.store.BeginTurn(ctx, d.SessionID, key, agent.AgentID, uuid.NewString())
		if err != nil {
			logger.Warn("Failed to begin turn", "error", err)
			return Deferred
		}
	}
	logger = logger.With("message_id", record.MessageID)

	// No terminal event may go out before agent-working did
	if !record.Announced && !p.announce(ctx, logger, d, agent, record.MessageID) {
		return Deferred
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go p.locks.KeepAlive(turnCtx, h, p.cfg.LockLease, cancel)

	result := p.runTurn(turnCtx, d, agent, record.MessageID)

	if cause := context.Cause(turnCtx); cause != nil && turnCtx.Err() != nil {
		logger.Warn("Abandoning turn", "cause", cause)
		return Abandoned
	}

	return p.commit(ctx, logger, d, agent, record.MessageID, result)
}

// resume finishes turns whose outcome is already stored
func (p *Processor) resume(ctx context.Context, logger *slog.Logger, d taskqueue.Delivery, agent types.AgentConfig, record *storage.TurnRecord) (bool, Outcome) {
	if record == nil {
		return false, Acked
	}
	switch record.State {
	case storage.TurnStatePublished:
		logger.Debug("Turn already published")
		return true, p.ack(ctx, logger, d)
	case storage.TurnStateCommitted:
		logger.Info("Republishing committed turn", "message_id", record.MessageID)
		if !record.Announced && !p.announce(ctx, logger, d, agent, record.MessageID) {
			return true, Deferred
		}
		if !p.publishTerminal(ctx, logger, d, record.Event) {
			return true, Abandoned
		}
		return true, p.ack(ctx, logger, d)
	}
	return false, Acked
}

// runTurn builds the prompt and invokes the model within the turn timeout
func (p *Processor) runTurn(ctx context.Context, d taskqueue.Delivery, agent types.AgentConfig, messageID string) turnResult {
	history, err := p.store.Recent(ctx, d.SessionID, 0)
	if err != nil {
		return turnResult{reason: types.ReasonStoreUnavailable, err: err}
	}
	summary, err := p.store.Summary(ctx, d.SessionID)
	if err != nil {
		return turnResult{reason: types.ReasonStoreUnavailable, err: err}
	}
	facts, err := p.store.Facts(ctx, d.SessionID)
	if err != nil {
		return turnResult{reason: types.ReasonStoreUnavailable, err: err}
	}

	in := llm.PromptInput{
		Agent:       agent,
		Kind:        d.Kind,
		History:     history,
		Summary:     summary,
		Facts:       facts,
		TriggerText: d.Text,
	}
	for i := range history {
		if history[i].MessageID == d.TriggeringMessageID {
			in.Trigger = &history[i]
		}
	}
	prompt := llm.BuildPrompt(in)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()

	var sink llm.ChunkSink
	if agent.Stream {
		partials := newCoalescer(p.cfg.MaxPartials, p.cfg.PartialFlush, func(text string) {
			ev := types.NewAgentEvent(types.EventAgentPartial, d.SessionID, messageID, d.TriggeringMessageID, agent)
			ev.Text = text
			if _, err := p.publisher.Publish(ctx, ev); err != nil {
				p.logger.Warn("Failed to publish partial", "session_id", d.SessionID, "error", err)
			}
		})
		sink = partials.Add
	}

	text, err := p.invoker.Invoke(callCtx, prompt, agent, sink)
	switch {
	case err == nil:
		return turnResult{text: text}
	case ctx.Err() != nil:
		// Lock lost or shutting down; the caller abandons the turn
		return turnResult{reason: types.ReasonWorkerFailure, err: err}
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		return turnResult{reason: types.ReasonTimeout, err: err}
	case errors.Is(err, llm.ErrEmptyResponse):
		return turnResult{reason: types.ReasonEmptyResponse, err: err}
	default:
		return turnResult{reason: types.ReasonAPIError, err: err}
	}
}

// commit stores the outcome with its follow-ups, then publishes the terminal event
func (p *Processor) commit(ctx context.Context, logger *slog.Logger, d taskqueue.Delivery, agent types.AgentConfig, messageID string, result turnResult) Outcome {
	key := d.IdempotencyKey()
	c := storage.Commit{
		SessionID: d.SessionID,
		TurnKey:   key,
	}

	var ev *types.Event
	if result.failed() {
		logger.Warn("Turn failed", "reason", result.reason, "error", result.err)
		ev = types.NewAgentEvent(types.EventAgentFailed, d.SessionID, messageID, d.TriggeringMessageID, agent)
		ev.Reason = result.reason
		ev.Message = result.err.Error()
		c.Outcome = storage.OutcomeFailed
		c.Reason = result.reason
	} else {
		ev = types.NewAgentEvent(types.EventAgentResult, d.SessionID, messageID, d.TriggeringMessageID, agent)
		ev.Text = result.text
		c.Outcome = storage.OutcomeSucceeded
		c.Text = result.text
		p.applySuccess(&c, d, agent, messageID, result.text, ev.CreatedAt)
	}

	data, err := fanout.Encode(ev)
	if err != nil {
		logger.Error("Failed to encode terminal event", "error", err)
		return Abandoned
	}
	c.Event = data

	err = p.store.CommitTurn(ctx, c)
	if errors.Is(err, storage.ErrTurnConflict) {
		// Someone else committed meanwhile; finish from the stored record
		record, loadErr := p.store.LoadTurn(ctx, d.SessionID, key)
		if loadErr != nil {
			return Abandoned
		}
		if done, outcome := p.resume(ctx, logger, d, agent, record); done {
			return outcome
		}
		return Abandoned
	}
	if err != nil {
		logger.Error("Failed to commit turn", "error", err)
		p.sessionError(ctx, d.SessionID, types.ReasonStoreUnavailable, "failed to store agent response")
		return Abandoned
	}

	if result.reason == types.ReasonStoreUnavailable {
		p.sessionError(ctx, d.SessionID, types.ReasonStoreUnavailable, result.err.Error())
	}
	if !p.publishTerminal(ctx, logger, d, data) {
		return Abandoned
	}
	logger.Info("Turn completed", "outcome", c.Outcome)
	return p.ack(ctx, logger, d)
}

// applySuccess adds the side effects of a successful turn to c
func (p *Processor) applySuccess(c *storage.Commit, d taskqueue.Delivery, agent types.AgentConfig, messageID, text string, at time.Time) {
	if d.Kind == types.TurnKindSummarization {
		summary, facts := llm.ParseSummary(text)
		c.Summary = &types.Summary{Text: summary, UpdatedAt: at}
		c.Facts = facts
	} else {
		c.Message = &types.Message{
			MessageID:  messageID,
			SessionID:  d.SessionID,
			Author:     agent.Author(),
			AgentID:    agent.AgentID,
			AgentName:  agent.Name,
			Text:       text,
			InReplyTo:  d.TriggeringMessageID,
			Visibility: agent.DefaultVisibility(),
			CreatedAt:  at,
		}
	}

	followUps := p.followUps(d, agent, messageID, text)
	if len(followUps) == 0 {
		return
	}
	c.FollowUps = func(pipe redis.Pipeliner) {
		for _, entry := range followUps {
			p.queue.EnqueueTx(context.Background(), pipe, entry)
		}
	}
}

// followUps lists the turns triggered by a successful turn: observers react to the primary,
// and every non-summarizer reply refreshes the summary
func (p *Processor) followUps(d taskqueue.Delivery, agent types.AgentConfig, messageID, text string) []taskqueue.Entry {
	next := func(kind types.TurnKind, agentID string) taskqueue.Entry {
		return taskqueue.Entry{
			TurnRequest: types.TurnRequest{
				SessionID:           d.SessionID,
				Kind:                kind,
				AgentID:             agentID,
				TriggeringMessageID: messageID,
				EnqueuedAt:          time.Now().UTC(),
			},
			Text:   text,
			Author: agent.Author(),
		}
	}

	var entries []taskqueue.Entry
	if agent.Role == types.RolePrimary && d.Kind == types.TurnKindUser {
		for _, observer := range p.agents.Observers() {
			entries = append(entries, next(types.TurnKindUser, observer.AgentID))
		}
	}
	if agent.Role != types.RoleSummarizer {
		if summarizer, ok := p.agents.Summarizer(); ok {
			entries = append(entries, next(types.TurnKindSummarization, summarizer.AgentID))
		}
	}
	return entries
}

// announce publishes agent-working for the turn unless it already went out
func (p *Processor) announce(ctx context.Context, logger *slog.Logger, d taskqueue.Delivery, agent types.AgentConfig, messageID string) bool {
	working := types.NewAgentEvent(types.EventAgentWorking, d.SessionID, messageID, d.TriggeringMessageID, agent)
	data, err := fanout.Encode(working)
	if err != nil {
		logger.Error("Failed to encode agent-working", "error", err)
		return false
	}
	if _, _, err := p.publisher.PublishWorking(ctx, d.SessionID, data, d.IdempotencyKey()); err != nil {
		logger.Warn("Failed to publish agent-working", "error", err)
		return false
	}
	return true
}

// publishTerminal sends the stored terminal event unless it already went out
func (p *Processor) publishTerminal(ctx context.Context, logger *slog.Logger, d taskqueue.Delivery, data []byte) bool {
	if _, _, err := p.publisher.PublishEncoded(ctx, d.SessionID, data, d.IdempotencyKey()); err != nil {
		logger.Error("Failed to publish terminal event", "error", err)
		return false
	}
	return true
}

func (p *Processor) ack(ctx context.Context, logger *slog.Logger, d taskqueue.Delivery) Outcome {
	if err := p.queue.Ack(ctx, d); err != nil {
		// The turn record makes the redelivery a no-op
		logger.Warn("Failed to ack entry", "error", err)
	}
	return Acked
}

func (p *Processor) release(logger *slog.Logger, h *lock.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.locks.Release(ctx, h); err != nil {
		logger.Warn("Failed to release session lock", "error", err)
	}
}

func (p *Processor) sessionError(ctx context.Context, sessionID, reason, message string) {
	ev := &types.Event{
		Type:      types.EventSessionError,
		SessionID: sessionID,
		Reason:    reason,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn("Failed to publish session error", "session_id", sessionID, "error", err)
	}
}
