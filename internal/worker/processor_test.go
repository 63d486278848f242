package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/llm"
	"github.com/AltairaLabs/chatrelay/internal/storage"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

func TestHelloTurnPublishesLifecycleAndEnqueuesFollowUps(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")

	deliveries := h.read(t, testSessionID)
	if len(deliveries) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(deliveries))
	}
	if outcome := h.proc.Process(context.Background(), deliveries[0]); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}

	events := h.events(t, testSessionID)
	got := eventTypes(events)
	want := []types.EventType{types.EventMessageAccepted, types.EventAgentWorking, types.EventAgentResult}
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected events %v, got %v", want, got)
		}
	}

	working, result := events[1], events[2]
	if working.MessageID == "" || working.MessageID != result.MessageID {
		t.Errorf("Expected working and result to share a message id, got %q and %q", working.MessageID, result.MessageID)
	}
	if result.AgentName != "Nova" || result.InReplyTo != "m1" || result.Text != "Nova heard: hello" {
		t.Errorf("Unexpected result event %+v", result)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Errorf("Expected contiguous sequences, got %d after %d", events[i].Sequence, events[i-1].Sequence)
		}
	}

	recent, _ := h.store.Recent(context.Background(), testSessionID, 0)
	if len(recent) != 2 || recent[1].MessageID != result.MessageID || recent[1].Author != "agent:primary" {
		t.Errorf("Expected the reply appended after the user message, got %+v", recent)
	}

	followUps := h.read(t, testSessionID)
	var kinds []string
	for _, d := range followUps {
		kinds = append(kinds, string(d.Kind)+"/"+d.AgentID)
		if d.TriggeringMessageID != result.MessageID {
			t.Errorf("Expected follow-up triggered by %s, got %s", result.MessageID, d.TriggeringMessageID)
		}
	}
	wantKinds := "user-turn/scout,user-turn/sage,summarization-turn/summarizer"
	if strings.Join(kinds, ",") != wantKinds {
		t.Errorf("Expected follow-ups %s, got %s", wantKinds, strings.Join(kinds, ","))
	}
}

func TestSummarizerOutputDoesNotTriggerSummarization(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	h.drain(t, testSessionID)

	// primary and two observers each trigger one summarization; the summarizer triggers none
	if calls := h.mock.Calls("summarizer"); calls != 3 {
		t.Errorf("Expected 3 summarizer runs, got %d", calls)
	}
	if calls := h.mock.Calls("primary"); calls != 1 {
		t.Errorf("Expected 1 primary run, got %d", calls)
	}
	if calls := h.mock.Calls("scout") + h.mock.Calls("sage"); calls != 2 {
		t.Errorf("Expected 2 observer runs, got %d", calls)
	}
	if left := h.read(t, testSessionID); len(left) != 0 {
		t.Errorf("Expected empty queue, got %d entries", len(left))
	}

	summary, err := h.store.Summary(context.Background(), testSessionID)
	if err != nil || summary == nil || summary.Text == "" {
		t.Fatalf("Expected a stored summary, got %+v (%v)", summary, err)
	}
	facts, _ := h.store.Facts(context.Background(), testSessionID)
	if len(facts) == 0 {
		t.Error("Expected facts extracted from the summary")
	}

	recent, _ := h.store.Recent(context.Background(), testSessionID, 0)
	for _, msg := range recent {
		if msg.AgentID == "summarizer" {
			t.Error("Expected summarizer output to stay out of the recent window")
		}
	}

	for _, ev := range h.events(t, testSessionID) {
		if ev.AgentID == "summarizer" && ev.Visibility != types.VisibilityHidden {
			t.Errorf("Expected summarizer events to be hidden, got %+v", ev)
		}
	}
}

func TestEveryTurnIsWorkingThenExactlyOneTerminal(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	h.submit(t, testSessionID, "m2", "again")
	h.drain(t, testSessionID)

	turns := lifecycles(h.events(t, testSessionID))
	// per user message: primary, two observers and one summarization for each of them
	if len(turns) != 2*(1+2+3) {
		t.Errorf("Expected 12 agent turns, got %d", len(turns))
	}
	for id, seq := range turns {
		if len(seq) != 2 || seq[0] != types.EventAgentWorking || !seq[1].IsTerminal() {
			t.Errorf("Turn %s has lifecycle %v", id, seq)
		}
	}
}

func TestRedeliveryAfterPublishIsNoop(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}
	before := len(h.events(t, testSessionID))

	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected redelivery to be acked, got %s", outcome)
	}
	if after := len(h.events(t, testSessionID)); after != before {
		t.Errorf("Expected no new events on redelivery, got %d more", after-before)
	}
	if calls := h.mock.Calls("primary"); calls != 1 {
		t.Errorf("Expected the model to run once, got %d", calls)
	}
	recent, _ := h.store.Recent(context.Background(), testSessionID, 0)
	if len(recent) != 2 {
		t.Errorf("Expected a single stored reply, got %d messages", len(recent))
	}
}

func TestRedeliveryAfterCommitRepublishesOnce(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyPublisher{Publisher: h.pub, failures: 1}
	proc := h.newProcessor(flaky, DefaultProcessorConfig())

	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	if outcome := proc.Process(context.Background(), d); outcome != Abandoned {
		t.Fatalf("Expected Abandoned when the terminal publish fails, got %s", outcome)
	}
	rec, _ := h.store.LoadTurn(context.Background(), testSessionID, d.IdempotencyKey())
	if rec == nil || rec.State != storage.TurnStateCommitted {
		t.Fatalf("Expected committed record, got %+v", rec)
	}

	if outcome := proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected redelivery to be acked, got %s", outcome)
	}

	seq := lifecycles(h.events(t, testSessionID))[rec.MessageID]
	if len(seq) != 2 || seq[0] != types.EventAgentWorking || seq[1] != types.EventAgentResult {
		t.Errorf("Expected [working result] for %s, got %v", rec.MessageID, seq)
	}
	if calls := h.mock.Calls("primary"); calls != 1 {
		t.Errorf("Expected the model not to run again, got %d calls", calls)
	}
}

func TestRedeliveryWhileWorkingResumesWithoutSecondWorking(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	// A previous attempt started the turn and crashed before committing
	rec, _, err := h.store.BeginTurn(context.Background(), testSessionID, d.IdempotencyKey(), "primary", "r-crashed")
	if err != nil {
		t.Fatal(err)
	}
	working, err := fanout.Encode(types.NewAgentEvent(types.EventAgentWorking, testSessionID, rec.MessageID, "m1", h.cfg.Primary()))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.pub.PublishWorking(context.Background(), testSessionID, working, d.IdempotencyKey()); err != nil {
		t.Fatal(err)
	}

	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}
	seq := lifecycles(h.events(t, testSessionID))["r-crashed"]
	if len(seq) != 2 || seq[0] != types.EventAgentWorking || seq[1] != types.EventAgentResult {
		t.Errorf("Expected [working result] reusing the stored message id, got %v", seq)
	}
}

func TestCrashBeforeWorkingWasPublishedEmitsItOnResume(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	// A previous attempt started the turn and died before agent-working went out
	if _, _, err := h.store.BeginTurn(context.Background(), testSessionID, d.IdempotencyKey(), "primary", "r-silent"); err != nil {
		t.Fatal(err)
	}

	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}
	seq := lifecycles(h.events(t, testSessionID))["r-silent"]
	if len(seq) != 2 || seq[0] != types.EventAgentWorking || seq[1] != types.EventAgentResult {
		t.Errorf("Expected [working result], got %v", seq)
	}
}

func TestFailedWorkingPublishDefersBeforeInvoking(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyPublisher{Publisher: h.pub, workingFailures: 1}
	proc := h.newProcessor(flaky, DefaultProcessorConfig())

	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	if outcome := proc.Process(context.Background(), d); outcome != Deferred {
		t.Fatalf("Expected Deferred when agent-working cannot be published, got %s", outcome)
	}
	if calls := h.mock.Calls("primary"); calls != 0 {
		t.Errorf("Expected the model not to run, got %d calls", calls)
	}
	if turns := lifecycles(h.events(t, testSessionID)); len(turns) != 0 {
		t.Errorf("Expected no agent events yet, got %v", turns)
	}

	if outcome := proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected the retry to be acked, got %s", outcome)
	}
	turns := lifecycles(h.events(t, testSessionID))
	if len(turns) != 1 {
		t.Fatalf("Expected one turn, got %v", turns)
	}
	for id, seq := range turns {
		if len(seq) != 2 || seq[0] != types.EventAgentWorking || seq[1] != types.EventAgentResult {
			t.Errorf("Turn %s has lifecycle %v, expected [working result]", id, seq)
		}
	}
}

func TestTurnFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{"timeout", func(h *harness) { h.mock.Delay = 500 * time.Millisecond }, types.ReasonTimeout},
		{"api error", func(h *harness) { h.mock.Err = errors.New("rate limited") }, types.ReasonAPIError},
		{"empty response", func(h *harness) {
			h.mock.Reply = func(llm.Prompt, types.AgentConfig) string { return "" }
		}, types.ReasonEmptyResponse},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t)
			test.setup(h)
			h.proc = h.newProcessor(h.pub, ProcessorConfig{LockLease: time.Second, TurnTimeout: 50 * time.Millisecond})

			h.submit(t, testSessionID, "m1", "hello")
			d := h.read(t, testSessionID)[0]
			if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
				t.Fatalf("Expected failed turn to be acked, got %s", outcome)
			}

			events := h.events(t, testSessionID)
			last := events[len(events)-1]
			if last.Type != types.EventAgentFailed || last.Reason != test.reason {
				t.Errorf("Expected agent-failed with reason %s, got %+v", test.reason, last)
			}
			if events[len(events)-2].Type != types.EventAgentWorking {
				t.Errorf("Expected agent-working before the failure, got %v", eventTypes(events))
			}
			if left := h.read(t, testSessionID); len(left) != 0 {
				t.Errorf("Expected no follow-ups or retries after a failure, got %d", len(left))
			}
			recent, _ := h.store.Recent(context.Background(), testSessionID, 0)
			if len(recent) != 1 {
				t.Errorf("Expected only the user message in the window, got %d", len(recent))
			}
		})
	}
}

func TestStreamingPublishesPartialsBetweenWorkingAndResult(t *testing.T) {
	h := newHarness(t)
	for i := range h.cfg.Agents {
		h.cfg.Agents[i].Stream = true
	}
	h.mock.Reply = func(llm.Prompt, types.AgentConfig) string { return "one two three four five six" }

	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]
	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}

	events := h.events(t, testSessionID)
	var partials []types.Event
	for _, ev := range events {
		if ev.Type == types.EventAgentPartial {
			partials = append(partials, ev)
		}
	}
	if len(partials) == 0 || len(partials) > 3 {
		t.Fatalf("Expected between 1 and 3 partials, got %d", len(partials))
	}
	working, result := events[1], events[len(events)-1]
	if working.Type != types.EventAgentWorking || result.Type != types.EventAgentResult {
		t.Fatalf("Expected partials between working and result, got %v", eventTypes(events))
	}
	for _, p := range partials {
		if p.MessageID != result.MessageID {
			t.Errorf("Expected partial to share message id %s, got %s", result.MessageID, p.MessageID)
		}
		if !strings.HasPrefix(result.Text, strings.TrimSpace(p.Text)) {
			t.Errorf("Expected partial %q to be a prefix of %q", p.Text, result.Text)
		}
	}
	if result.Text != "one two three four five six" {
		t.Errorf("Expected full text in the result, got %q", result.Text)
	}
}

func TestBusySessionIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	held, err := h.locks.Acquire(context.Background(), testSessionID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if outcome := h.proc.Process(context.Background(), d); outcome != Deferred {
		t.Errorf("Expected Deferred while the lock is held, got %s", outcome)
	}
	if len(h.events(t, testSessionID)) != 1 {
		t.Error("Expected no agent events while deferred")
	}

	_ = h.locks.Release(context.Background(), held)
	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Errorf("Expected Acked after release, got %s", outcome)
	}
}

func TestLaterEntryWaitsForHeadOfLine(t *testing.T) {
	h := newHarness(t)
	h.submit(t, testSessionID, "m1", "first")
	h.submit(t, testSessionID, "m2", "second")

	deliveries := h.read(t, testSessionID)
	if len(deliveries) != 2 {
		t.Fatalf("Expected two deliveries, got %d", len(deliveries))
	}
	if outcome := h.proc.Process(context.Background(), deliveries[1]); outcome != Deferred {
		t.Errorf("Expected second entry to be deferred, got %s", outcome)
	}
	if outcome := h.proc.Process(context.Background(), deliveries[0]); outcome != Acked {
		t.Errorf("Expected first entry to be acked, got %s", outcome)
	}
	if outcome := h.proc.Process(context.Background(), deliveries[1]); outcome != Acked {
		t.Errorf("Expected second entry to be acked now, got %s", outcome)
	}
}

func TestLostLockAbandonsTurn(t *testing.T) {
	h := newHarness(t)
	h.mock.Delay = 300 * time.Millisecond
	h.proc = h.newProcessor(h.pub, ProcessorConfig{LockLease: 30 * time.Millisecond, TurnTimeout: time.Second})

	h.submit(t, testSessionID, "m1", "hello")
	d := h.read(t, testSessionID)[0]

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.mr.Set(keyspace.For(testSessionID).Lock, "someone-else")
	}()

	if outcome := h.proc.Process(context.Background(), d); outcome != Abandoned {
		t.Fatalf("Expected Abandoned after losing the lock, got %s", outcome)
	}
	for _, ev := range h.events(t, testSessionID) {
		if ev.Type.IsTerminal() {
			t.Errorf("Expected no terminal event from an abandoned turn, got %+v", ev)
		}
	}
	pending, _ := h.rdb.XPending(context.Background(), keyspace.For(testSessionID).Queue, h.queue.Group()).Result()
	if pending.Count != 1 {
		t.Errorf("Expected the entry to stay pending, got %d", pending.Count)
	}
	if got, _ := h.mr.Get(keyspace.For(testSessionID).Lock); got != "someone-else" {
		t.Errorf("Expected the new holder's lock to be untouched, got %q", got)
	}
}

func TestUnknownAgentIsAckedWithSessionError(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Enqueue(context.Background(), taskqueue.Entry{TurnRequest: types.TurnRequest{
		SessionID:           testSessionID,
		Kind:                types.TurnKindUser,
		AgentID:             "ghost",
		TriggeringMessageID: "m1",
	}})
	if err != nil {
		t.Fatal(err)
	}
	d := h.read(t, testSessionID)[0]

	if outcome := h.proc.Process(context.Background(), d); outcome != Acked {
		t.Fatalf("Expected Acked, got %s", outcome)
	}
	events := h.events(t, testSessionID)
	if len(events) != 1 || events[0].Type != types.EventSessionError || events[0].Reason != types.ReasonUnknownAgent {
		t.Errorf("Expected one session-error, got %+v", events)
	}
}
