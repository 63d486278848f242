package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/keyspace"
	"github.com/AltairaLabs/chatrelay/internal/storage"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

const testSessionID = "s1"

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, opts), mr
}

func userMessage(id, text string) *types.Message {
	return &types.Message{
		MessageID: id,
		SessionID: testSessionID,
		Author:    types.AuthorUser,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRecentWindowIsBounded(t *testing.T) {
	store, _ := newTestStore(t, Options{RecentLimit: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := store.AppendMessage(ctx, userMessage(fmt.Sprintf("m%d", i), "hi")); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	recent, err := store.Recent(ctx, testSessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 5 {
		t.Fatalf("Expected exactly 5 messages, got %d", len(recent))
	}
	for i, msg := range recent {
		if want := fmt.Sprintf("m%d", 7+i); msg.MessageID != want {
			t.Errorf("Expected message %s at %d, got %s", want, i, msg.MessageID)
		}
	}

	last2, _ := store.Recent(ctx, testSessionID, 2)
	if len(last2) != 2 || last2[1].MessageID != "m11" {
		t.Errorf("Expected the two newest messages, got %+v", last2)
	}
}

func TestWritesRefreshTTL(t *testing.T) {
	store, mr := newTestStore(t, Options{TTL: time.Minute})
	ctx := context.Background()
	keys := keyspace.For(testSessionID)

	if err := store.AppendMessage(ctx, userMessage("m1", "hi")); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(keys.Recent); ttl != time.Minute {
		t.Errorf("Expected recent TTL 1m, got %v", ttl)
	}

	mr.FastForward(50 * time.Second)
	if err := store.AppendMessage(ctx, userMessage("m2", "again")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)
	if !mr.Exists(keys.Recent) {
		t.Error("Expected second write to extend the session lifetime")
	}

	mr.FastForward(2 * time.Minute)
	if mr.Exists(keys.Recent) {
		t.Error("Expected idle session to expire")
	}
}

func TestSummaryAndFactsEmpty(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	summary, err := store.Summary(ctx, testSessionID)
	if err != nil || summary != nil {
		t.Errorf("Expected nil summary, got %+v (%v)", summary, err)
	}
	facts, err := store.Facts(ctx, testSessionID)
	if err != nil || len(facts) != 0 {
		t.Errorf("Expected no facts, got %v (%v)", facts, err)
	}
}

func TestAcceptDedupesClientMessageID(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	first, fresh, err := store.Accept(ctx, testSessionID, "c1", storage.Acceptance{MessageID: "m1"})
	if err != nil || !fresh || first.MessageID != "m1" {
		t.Fatalf("Expected fresh acceptance, got %+v %v %v", first, fresh, err)
	}
	if err := store.UpdateAcceptance(ctx, testSessionID, "c1", storage.Acceptance{MessageID: "m1", Sequence: 4}); err != nil {
		t.Fatal(err)
	}

	dup, fresh, err := store.Accept(ctx, testSessionID, "c1", storage.Acceptance{MessageID: "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Error("Expected duplicate client id not to be fresh")
	}
	if dup.MessageID != "m1" || dup.Sequence != 4 {
		t.Errorf("Expected original acceptance m1/4, got %+v", dup)
	}
}

func TestReleaseAcceptanceAllowsResubmit(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	if _, fresh, err := store.Accept(ctx, testSessionID, "c1", storage.Acceptance{MessageID: "c1"}); err != nil || !fresh {
		t.Fatalf("Expected fresh acceptance, got %v %v", fresh, err)
	}
	if err := store.ReleaseAcceptance(ctx, testSessionID, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, fresh, err := store.Accept(ctx, testSessionID, "c1", storage.Acceptance{MessageID: "c1"}); err != nil || !fresh {
		t.Errorf("Expected acceptance to be fresh again after release, got %v %v", fresh, err)
	}
}

func TestBeginTurnIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()

	rec, created, err := store.BeginTurn(ctx, testSessionID, "user-turn:primary:m1", "primary", "r1")
	if err != nil || !created {
		t.Fatalf("Expected new turn, got %v %v", created, err)
	}
	if rec.MessageID != "r1" || rec.State != storage.TurnStateWorking {
		t.Errorf("Unexpected record %+v", rec)
	}

	again, created, err := store.BeginTurn(ctx, testSessionID, "user-turn:primary:m1", "primary", "r2")
	if err != nil || created {
		t.Fatalf("Expected existing turn, got %v %v", created, err)
	}
	if again.MessageID != "r1" {
		t.Errorf("Expected stored message id r1 to win, got %s", again.MessageID)
	}
}

func TestLoadTurnAbsent(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	rec, err := store.LoadTurn(context.Background(), testSessionID, "nope")
	if err != nil || rec != nil {
		t.Errorf("Expected nil record, got %+v (%v)", rec, err)
	}
}

func TestCommitTurnAppliesSideEffectsOnce(t *testing.T) {
	store, mr := newTestStore(t, Options{})
	ctx := context.Background()
	key := "user-turn:primary:m1"

	if _, _, err := store.BeginTurn(ctx, testSessionID, key, "primary", "r1"); err != nil {
		t.Fatal(err)
	}

	reply := &types.Message{MessageID: "r1", SessionID: testSessionID, Author: "agent:primary", Text: "hi there"}
	followUps := 0
	commit := storage.Commit{
		SessionID: testSessionID,
		TurnKey:   key,
		Outcome:   storage.OutcomeSucceeded,
		Text:      "hi there",
		Event:     []byte(`{"type":"agent-result"}`),
		Message:   reply,
		FollowUps: func(pipe redis.Pipeliner) {
			followUps++
			pipe.SAdd(context.Background(), "followups", "x")
		},
	}
	if err := store.CommitTurn(ctx, commit); err != nil {
		t.Fatalf("CommitTurn failed: %v", err)
	}
	if err := store.CommitTurn(ctx, commit); !errors.Is(err, storage.ErrTurnConflict) {
		t.Errorf("Expected ErrTurnConflict on second commit, got %v", err)
	}

	recent, _ := store.Recent(ctx, testSessionID, 0)
	if len(recent) != 1 || recent[0].MessageID != "r1" {
		t.Errorf("Expected exactly one reply in the window, got %+v", recent)
	}
	if followUps != 1 {
		t.Errorf("Expected follow-ups queued once, got %d", followUps)
	}
	if ok, _ := mr.IsMember("followups", "x"); !ok {
		t.Error("Expected follow-up command to run in the transaction")
	}

	rec, _ := store.LoadTurn(ctx, testSessionID, key)
	if rec.State != storage.TurnStateCommitted || rec.Outcome != storage.OutcomeSucceeded {
		t.Errorf("Expected committed success, got %+v", rec)
	}
	if string(rec.Event) != `{"type":"agent-result"}` {
		t.Errorf("Expected stored event, got %s", rec.Event)
	}
	if rec.Announced {
		t.Error("Expected the record not to be announced before agent-working went out")
	}

	mr.HSet(keyspace.For(testSessionID).Turn(key), "announced", "1")
	rec, _ = store.LoadTurn(ctx, testSessionID, key)
	if !rec.Announced || rec.State != storage.TurnStateCommitted {
		t.Errorf("Expected announced committed record, got %+v", rec)
	}
}

func TestCommitTurnWithoutBegin(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	err := store.CommitTurn(context.Background(), storage.Commit{SessionID: testSessionID, TurnKey: "missing"})
	if !errors.Is(err, storage.ErrTurnNotFound) {
		t.Errorf("Expected ErrTurnNotFound, got %v", err)
	}
}

func TestCommitSummarizationWritesSummaryAndFacts(t *testing.T) {
	store, _ := newTestStore(t, Options{FactLimit: 3})
	ctx := context.Background()
	key := "summarization-turn:summarizer:r1"

	if _, _, err := store.BeginTurn(ctx, testSessionID, key, "summarizer", "x1"); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err := store.CommitTurn(ctx, storage.Commit{
		SessionID: testSessionID,
		TurnKey:   key,
		Outcome:   storage.OutcomeSucceeded,
		Summary:   &types.Summary{Text: "they said hello", UpdatedAt: now},
		Facts:     []string{"a", "b", "c", "d"},
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := store.Summary(ctx, testSessionID)
	if err != nil || summary == nil || summary.Text != "they said hello" {
		t.Fatalf("Expected stored summary, got %+v (%v)", summary, err)
	}
	facts, _ := store.Facts(ctx, testSessionID)
	if len(facts) != 3 || facts[0] != "d" {
		t.Errorf("Expected newest three facts, got %v", facts)
	}
	recent, _ := store.Recent(ctx, testSessionID, 0)
	if len(recent) != 0 {
		t.Errorf("Expected summarizer output to stay out of the window, got %d", len(recent))
	}
}
