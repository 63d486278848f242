package coordinator

import (
	"bufio"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/AltairaLabs/chatrelay/internal/types"
)

func openStream(t *testing.T, e *testEnv, query string, header http.Header) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/stream?"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func TestStreamReplaysThenFollowsLive(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.submit(t, "hello", "m1")

	r := openStream(t, e, "sessionId=s1&since=0", nil)

	status := decodeEvent(t, readFrame(t, r))
	if status.Type != types.EventConnectionStatus || status.Status != "connected" || status.Truncated {
		t.Errorf("Expected connection-status first, got %+v", status)
	}

	replayed := readFrame(t, r)
	if replayed.ID != "1" || decodeEvent(t, replayed).MessageID != "m1" {
		t.Errorf("Expected event 1 for m1, got %+v", replayed)
	}

	e.submit(t, "again", "m2")
	live := readFrame(t, r)
	if live.ID != "2" || decodeEvent(t, live).MessageID != "m2" {
		t.Errorf("Expected live event 2 for m2, got %+v", live)
	}
}

func TestStreamWithoutSinceStartsAtTail(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.submit(t, "old", "m1")

	r := openStream(t, e, "sessionId=s1", nil)
	status := decodeEvent(t, readFrame(t, r))
	if status.Sequence != 1 {
		t.Errorf("Expected cursor at tail 1, got %d", status.Sequence)
	}

	e.submit(t, "new", "m2")
	if f := readFrame(t, r); f.ID != "2" {
		t.Errorf("Expected only the new event, got %+v", f)
	}
}

func TestStreamResumesFromLastEventID(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	for _, id := range []string{"m1", "m2", "m3"} {
		e.submit(t, "text", id)
	}

	r := openStream(t, e, "sessionId=s1", http.Header{"Last-Event-Id": {"2"}})
	readFrame(t, r)
	if f := readFrame(t, r); f.ID != "3" {
		t.Errorf("Expected to resume at event 3, got %+v", f)
	}
}

func TestStreamReportsTruncation(t *testing.T) {
	e := newTestEnv(t, envOptions{eventLogMaxLen: 2})
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		e.submit(t, "text", id)
	}

	r := openStream(t, e, "sessionId=s1&since=1", nil)
	status := decodeEvent(t, readFrame(t, r))
	if !status.Truncated {
		t.Errorf("Expected truncated connection-status, got %+v", status)
	}
	if f := readFrame(t, r); f.ID != "4" {
		t.Errorf("Expected the oldest retained event 4, got %+v", f)
	}
}

func TestStreamSendsPings(t *testing.T) {
	e := newTestEnv(t, envOptions{pingInterval: 20 * time.Millisecond})
	r := openStream(t, e, "sessionId=s1", nil)
	readFrame(t, r)

	if f := readFrame(t, r); f.Comment != "ping" {
		t.Errorf("Expected a ping comment, got %+v", f)
	}
}

func TestStreamTracksOpenConnections(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	r := openStream(t, e, "sessionId=s1", nil)
	readFrame(t, r)

	if n := e.svc.Streams().CountForSession(testSessionID); n != 1 {
		t.Errorf("Expected one open stream, got %d", n)
	}
	if h := e.svc.Health(context.Background()); h.ActiveStreams != 1 {
		t.Errorf("Expected health to report one stream, got %d", h.ActiveStreams)
	}

	e.svc.Streams().CloseAll()
	deadline := time.Now().Add(2 * time.Second)
	for e.svc.Streams().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the stream to close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing session", ""},
		{"invalid session", "sessionId=a%20b"},
		{"invalid since", "sessionId=s1&since=-4"},
	}

	e := newTestEnv(t, envOptions{})
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp, err := http.Get(e.srv.URL + "/api/stream?" + test.query)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}
