package state

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/rest"
)

type fakePersister struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakePersister) SaveConversations(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(ids))
	copy(cp, ids)
	f.calls = append(f.calls, cp)
	return nil
}

func (f *fakePersister) last() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func testStore(t *testing.T) (*Store, *fakePersister, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	p := &fakePersister{}
	s := NewStore(bus, p, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, p, bus
}

func conv(id string) rest.Conversation {
	return rest.Conversation{ID: id, Type: "group", Name: "room " + id}
}

func TestReplaceAll_PersistsSnapshot(t *testing.T) {
	s, p, _ := testStore(t)
	s.ReplaceAll([]rest.Conversation{conv("c1"), conv("c2"), conv("c3")})

	if got := s.IDs(); len(got) != 3 || got[0] != "c1" || got[2] != "c3" {
		t.Fatalf("IDs = %v", got)
	}
	if got := p.last(); len(got) != 3 || got[0] != "c1" {
		t.Errorf("persisted snapshot = %v", got)
	}
}

func TestUpsert_NewGoesFirst(t *testing.T) {
	s, _, _ := testStore(t)
	s.ReplaceAll([]rest.Conversation{conv("c1"), conv("c2")})
	s.Upsert(conv("c3"))

	if got := s.IDs(); got[0] != "c3" {
		t.Errorf("new conversation not at front: %v", got)
	}

	// Updating in place must not reorder.
	c, _ := s.Get("c1")
	c.Name = "renamed"
	s.Upsert(c)
	if got := s.IDs(); got[0] != "c3" || len(got) != 3 {
		t.Errorf("update reordered list: %v", got)
	}
	if c, _ := s.Get("c1"); c.Name != "renamed" {
		t.Errorf("Name = %q after update", c.Name)
	}
}

func TestRemove_OnceSemantics(t *testing.T) {
	s, p, _ := testStore(t)
	s.ReplaceAll([]rest.Conversation{conv("c1"), conv("c2")})
	s.SetActive("c1")

	if !s.Remove("c1") {
		t.Fatal("first Remove returned false")
	}
	if s.Remove("c1") {
		t.Fatal("second Remove returned true, want once semantics")
	}
	if s.Active() != "" {
		t.Error("active conversation survived its removal")
	}
	if got := p.last(); len(got) != 1 || got[0] != "c2" {
		t.Errorf("persisted snapshot after remove = %v", got)
	}
}

func TestMutate_UnknownConversation(t *testing.T) {
	s, _, _ := testStore(t)
	if s.Mutate("nope", func(c *rest.Conversation) { c.Name = "x" }) {
		t.Error("Mutate on unknown conversation returned true")
	}
}

func TestAppendMessage_ReceiptOrderAndPreview(t *testing.T) {
	s, _, _ := testStore(t)
	s.ReplaceAll([]rest.Conversation{conv("c1")})

	for _, id := range []string{"m1", "m2", "m3"} {
		s.AppendMessage(rest.Message{ID: id, ConversationID: "c1", Type: "system", Content: id})
	}

	msgs := s.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("len(messages) = %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("messages[%d].ID = %q, want %q", i, msgs[i].ID, want)
		}
	}
	if c, _ := s.Get("c1"); c.LastMessage == nil || c.LastMessage.ID != "m3" {
		t.Error("preview not updated to latest message")
	}
}

func TestPublishesBusEvents(t *testing.T) {
	s, _, bus := testStore(t)
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s.ReplaceAll([]rest.Conversation{conv("c1")})
	s.Upsert(conv("c2"))
	s.Remove("c2")

	want := []string{ConversationsReplaced, ConversationUpdated, ConversationRemoved}
	for _, name := range want {
		select {
		case ev := <-sub:
			if ev.Name != name {
				t.Errorf("event = %q, want %q", ev.Name, name)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", name)
		}
	}
}
