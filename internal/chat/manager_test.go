package chat

import (
	"testing"

	"chatstream/internal/metrics"
)

func TestManagerCancelOwnership(t *testing.T) {
	m := NewManager(metrics.NewRegistry())
	m.Register("s1", "alice", "c1", nil)

	if m.Cancel("s1", "mallory") {
		t.Error("cancel by a different user should be refused")
	}
	if m.Get("s1") == nil {
		t.Fatal("refused cancel must leave the stream tracked")
	}

	if !m.Cancel("s1", "alice") {
		t.Fatal("owner cancel should succeed")
	}
}

func TestManagerCancelIsIdempotentlyFalse(t *testing.T) {
	m := NewManager(metrics.NewRegistry())
	stream := m.Register("s1", "alice", "c1", nil)

	if !m.Cancel("s1", "alice") {
		t.Fatal("first cancel should succeed")
	}
	select {
	case <-stream.Cancelled():
	default:
		t.Error("cancelled channel should be closed")
	}
	if m.Cancel("s1", "alice") {
		t.Error("second cancel for the same id should report false")
	}
	if m.Get("s1") != nil {
		t.Error("cancelled stream must be removed from the table")
	}
}

func TestManagerCancelUnknownStream(t *testing.T) {
	m := NewManager(metrics.NewRegistry())
	if m.Cancel("missing", "alice") {
		t.Error("cancelling an unknown stream should report false")
	}
}

func TestManagerUnregister(t *testing.T) {
	m := NewManager(metrics.NewRegistry())
	m.Register("s1", "alice", "c1", nil)

	if got := m.Unregister("s1"); got == nil || got.StreamID != "s1" {
		t.Fatalf("Unregister = %+v", got)
	}
	if m.Get("s1") != nil {
		t.Error("stream still tracked after unregister")
	}
	if m.Unregister("s1") != nil {
		t.Error("second unregister should find nothing")
	}
}

func TestManagerCancelSignalsTask(t *testing.T) {
	m := NewManager(metrics.NewRegistry())
	called := false
	m.Register("s1", "alice", "c1", func() { called = true })

	if !m.Cancel("s1", "alice") {
		t.Fatal("cancel should succeed")
	}
	if !called {
		t.Error("cancel must abort the driving task")
	}
}
