package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/chatrelay/internal/config"
	"github.com/AltairaLabs/chatrelay/internal/fanout"
	"github.com/AltairaLabs/chatrelay/internal/logging"
	"github.com/AltairaLabs/chatrelay/internal/storage/redisstore"
	"github.com/AltairaLabs/chatrelay/internal/taskqueue"
	"github.com/AltairaLabs/chatrelay/internal/types"
)

const testSessionID = "s1"

type testEnv struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	cfg   *config.Config
	store *redisstore.Store
	queue *taskqueue.TaskQueue
	pub   *fanout.Publisher
	hub   *fanout.Hub
	svc   *Service
	http  *HTTPServer
	srv   *httptest.Server
}

type envOptions struct {
	eventLogMaxLen int64
	pingInterval   time.Duration
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Default()
	cfg.Agents = config.DefaultAgents(func(string) string { return "" })
	cfg.Agents[0].APIKey = "sk-do-not-leak"

	logger := logging.Discard()
	e := &testEnv{
		mr:    mr,
		rdb:   rdb,
		cfg:   cfg,
		store: redisstore.New(rdb, redisstore.Options{}),
		queue: taskqueue.NewTaskQueue(rdb, taskqueue.DefaultTaskQueueConfig(), logger),
		pub:   fanout.NewPublisher(rdb, opts.eventLogMaxLen, time.Hour),
		hub:   fanout.NewHub(rdb, logger, 64),
	}
	e.svc = NewService(cfg, e.store, e.queue, e.pub, e.hub.Log(), NewAuditLogger(logger), logger)
	e.http = NewHTTPServer(e.svc, e.hub, logger, HTTPConfig{PingInterval: opts.pingInterval})
	e.srv = httptest.NewServer(e.http.Handler())

	t.Cleanup(func() {
		_ = rdb.Close()
	})
	t.Cleanup(e.srv.Close)
	t.Cleanup(func() {
		e.svc.Streams().CloseAll()
		_ = e.hub.Close()
	})
	return e
}

func (e *testEnv) submit(t *testing.T, text, messageID string) SubmitResult {
	t.Helper()
	res, err := e.svc.Submit(context.Background(), SubmitRequest{SessionID: testSessionID, Text: text, MessageID: messageID}, "test")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return res
}

func (e *testEnv) queued(t *testing.T) []taskqueue.Delivery {
	t.Helper()
	got, err := e.queue.ReadNext(context.Background(), "inspector", []string{testSessionID}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (e *testEnv) logged(t *testing.T) []types.Event {
	t.Helper()
	items, err := e.hub.Log().Range(context.Background(), testSessionID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]types.Event, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item.Data, &out[i]); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

// sseFrame is one server-sent event or comment
type sseFrame struct {
	ID      string
	Data    string
	Comment string
}

// readFrame reads the next frame, failing the test after a timeout
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	type result struct {
		frame sseFrame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var f sseFrame
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				done <- result{frame: f}
				return
			case strings.HasPrefix(line, "id: "):
				f.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, ": "):
				f.Comment = strings.TrimPrefix(line, ": ")
			}
		}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Reading SSE frame failed: %v", res.err)
		}
		return res.frame
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for an SSE frame")
		return sseFrame{}
	}
}

func decodeEvent(t *testing.T, f sseFrame) types.Event {
	t.Helper()
	var ev types.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		t.Fatalf("Invalid event JSON %q: %v", f.Data, err)
	}
	return ev
}
