package coordinator

import (
	"context"
	"testing"
)

func TestStreamManagerRegisterUnregister(t *testing.T) {
	sm := NewStreamManager()
	a, _ := sm.Register(context.Background(), "s1")
	sm.Register(context.Background(), "s1")
	sm.Register(context.Background(), "s2")

	if sm.Count() != 3 {
		t.Errorf("Expected 3 streams, got %d", sm.Count())
	}
	if sm.CountForSession("s1") != 2 {
		t.Errorf("Expected 2 streams for s1, got %d", sm.CountForSession("s1"))
	}

	sm.Unregister(a)
	if sm.CountForSession("s1") != 1 {
		t.Errorf("Expected 1 stream for s1 after unregister, got %d", sm.CountForSession("s1"))
	}
}

func TestStreamManagerCloseAllCancelsContexts(t *testing.T) {
	sm := NewStreamManager()
	_, ctx1 := sm.Register(context.Background(), "s1")
	_, ctx2 := sm.Register(context.Background(), "s2")

	sm.CloseAll()

	for i, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Errorf("Expected stream %d to be canceled", i)
		}
	}
}

func TestStreamManagerParentCancel(t *testing.T) {
	sm := NewStreamManager()
	parent, cancel := context.WithCancel(context.Background())
	s, ctx := sm.Register(parent, "s1")
	cancel()

	<-ctx.Done()
	sm.Unregister(s)
	if sm.Count() != 0 {
		t.Errorf("Expected no streams, got %d", sm.Count())
	}
}
