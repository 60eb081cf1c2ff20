package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/process"
	"github.com/nextlevelbuilder/agentmesh/internal/store"
)

type capturedReply struct {
	to, thread string
	content    []byte
}

func newReplyCapture() (ReplyFunc, chan capturedReply) {
	ch := make(chan capturedReply, 1)
	return func(ctx context.Context, to string, content json.RawMessage, threadID string) error {
		ch <- capturedReply{to: to, thread: threadID, content: content}
		return nil
	}, ch
}

func TestProcessDispatcher_RepliesWithAssembledResponse(t *testing.T) {
	_, stores := store.NewMemoryStores()
	manager := process.NewLocalManager(func(ctx context.Context, session *store.Session, prompt string, emit process.Callback) {
		emit(process.Event{Type: process.EventAssistant, SessionID: session.ID, Content: "answer: "})
		emit(process.Event{Type: process.EventAssistant, SessionID: session.ID, Content: prompt})
		emit(process.Event{Type: process.EventAssistantDone, SessionID: session.ID})
	})
	reply, got := newReplyCapture()
	d := NewProcessDispatcher(stores.Sessions, manager, reply, nil)

	if err := d.Dispatch(context.Background(), "alice", "bob", json.RawMessage(`"hi"`), "t9"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case r := <-got:
		if r.to != "alice" || r.thread != "t9" {
			t.Fatalf("reply addressed to %s thread %s, want alice/t9", r.to, r.thread)
		}
		var body map[string]string
		if err := json.Unmarshal(r.content, &body); err != nil {
			t.Fatalf("decoding reply payload: %v", err)
		}
		if body["content"] != `answer: "hi"` {
			t.Fatalf("reply content = %q, want the joined fragments", body["content"])
		}
		if body["session_id"] == "" {
			t.Fatal("reply carries no session id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestProcessDispatcher_SingleNonStreamingReply(t *testing.T) {
	_, stores := store.NewMemoryStores()
	// Nil runner: one non-streaming assistant event, then exit.
	manager := process.NewLocalManager(nil)
	reply, got := newReplyCapture()
	d := NewProcessDispatcher(stores.Sessions, manager, reply, nil)

	if err := d.Dispatch(context.Background(), "alice", "bob", json.RawMessage(`"hi"`), ""); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case r := <-got:
		var body map[string]string
		if err := json.Unmarshal(r.content, &body); err != nil {
			t.Fatalf("decoding reply payload: %v", err)
		}
		if body["content"] != "ok" {
			t.Fatalf("reply content = %q, want the lone reply", body["content"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestProcessDispatcher_SilentSessionSendsNothing(t *testing.T) {
	_, stores := store.NewMemoryStores()
	manager := process.NewLocalManager(func(ctx context.Context, session *store.Session, prompt string, emit process.Callback) {
		// Exit without producing any content.
	})
	reply, got := newReplyCapture()
	d := NewProcessDispatcher(stores.Sessions, manager, reply, nil)

	if err := d.Dispatch(context.Background(), "alice", "bob", json.RawMessage(`"hi"`), ""); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case r := <-got:
		t.Fatalf("empty session produced a reply: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}
