package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/llm"
	"github.com/AltairaLabs/chatrelay/internal/lock"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/storage/redisstore"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

const testSessionID = "s1"

type harness struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	cfg   *config.Config
	store *redisstore.Store
	queue *taskqueue.TaskQueue
	locks *lock.Manager
	pub   *fanout.Publisher
	log   *fanout.Log
	mock  *llm.Mock
	proc  *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Default()
	cfg.Agents = config.DefaultAgents(func(string) string { return "" })

	h := &harness{
		mr:    mr,
		rdb:   rdb,
		cfg:   cfg,
		store: redisstore.New(rdb, redisstore.Options{}),
		queue: taskqueue.NewTaskQueue(rdb, taskqueue.DefaultTaskQueueConfig(), logging.Discard()),
		locks: lock.NewManager(rdb, "test-worker"),
		pub:   fanout.NewPublisher(rdb, 0, time.Hour),
		log:   fanout.NewLog(rdb),
		mock:  llm.NewMock(),
	}
	h.proc = h.newProcessor(h.pub, ProcessorConfig{
		LockLease:    time.Second,
		TurnTimeout:  time.Second,
		MaxPartials:  3,
		PartialFlush: 0,
	})
	return h
}

func (h *harness) newProcessor(pub Publisher, cfg ProcessorConfig) *Processor {
	return NewProcessor(h.cfg, h.store, h.queue, h.locks, pub, h.mock, logging.Discard(), cfg)
}

// submit mirrors what the coordinator does for an incoming user message
func (h *harness) submit(t *testing.T, sessionID, messageID, text string) {
	t.Helper()
	ctx := context.Background()
	msg := &types.Message{
		MessageID:  messageID,
		SessionID:  sessionID,
		Author:     types.AuthorUser,
		Text:       text,
		Visibility: types.VisibilityPublic,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	accepted := &types.Event{Type: types.EventMessageAccepted, SessionID: sessionID, MessageID: messageID, Author: types.AuthorUser, Text: text}
	if _, err := h.pub.Publish(ctx, accepted); err != nil {
		t.Fatal(err)
	}
	_, err := h.queue.Enqueue(ctx, taskqueue.Entry{
		TurnRequest: types.TurnRequest{
			SessionID:           sessionID,
			Kind:                types.TurnKindUser,
			AgentID:             h.cfg.Primary().AgentID,
			TriggeringMessageID: messageID,
		},
		Text:   text,
		Author: types.AuthorUser,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// read delivers every new entry of sessionID to a single consumer
func (h *harness) read(t *testing.T, sessionID string) []taskqueue.Delivery {
	t.Helper()
	got, err := h.queue.ReadNext(context.Background(), "test-consumer", []string{sessionID}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

// drain processes entries until the session's queue is empty
func (h *harness) drain(t *testing.T, sessionID string) {
	t.Helper()
	for i := 0; i < 50; i++ {
		deliveries := h.read(t, sessionID)
		if len(deliveries) == 0 {
			return
		}
		for _, d := range deliveries {
			if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
				t.Fatalf("Expected entry %s (%s) to be acked, got %s", d.ID, d.AgentID, outcome)
			}
		}
	}
	t.Fatal("Queue did not drain")
}

func (h *harness) events(t *testing.T, sessionID string) []types.Event {
	t.Helper()
	items, err := h.log.Range(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	events := make([]types.Event, 0, len(items))
	for _, item := range items {
		var ev types.Event
		if err := json.Unmarshal(item.Data, &ev); err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []types.Event) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// lifecycles groups agent events by message id, dropping partials
func lifecycles(events []types.Event) map[string][]types.EventType {
	out := make(map[string][]types.EventType)
	for _, ev := range events {
		if ev.AgentID == "" || ev.Type == types.EventAgentPartial {
			continue
		}
		out[ev.MessageID] = append(out[ev.MessageID], ev.Type)
	}
	return out
}

// flakyPublisher fails terminal and agent-working publishes a number of times
type flakyPublisher struct {
	*fanout.Publisher
	failures        int
	workingFailures int
}

func (f *flakyPublisher) PublishWorking(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error) {
	if f.workingFailures > 0 {
		f.workingFailures--
		return 0, false, context.DeadlineExceeded
	}
	return f.Publisher.PublishWorking(ctx, sessionID, data, turnKey)
}

func (f *flakyPublisher) PublishEncoded(ctx context.Context, sessionID string, data []byte, turnKey string) (uint64, bool, error) {
	if f.failures > 0 {
		f.failures--
		return 0, false, context.DeadlineExceeded
	}
	return f.Publisher.PublishEncoded(ctx, sessionID, data, turnKey)
}
