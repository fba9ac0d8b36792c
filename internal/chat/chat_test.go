package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/state"
	"github.com/parley-im/parley/internal/transport"
)

type fakeRealtime struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	joined   []string
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{handlers: make(map[string]transport.Handler)}
}

func (f *fakeRealtime) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeRealtime) JoinConversations(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, ids...)
	return nil
}

func (f *fakeRealtime) push(t *testing.T, event string, payload any) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[event]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	h(raw)
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []string
}

func (n *noticeRecorder) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, title+": "+body)
}

func (n *noticeRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

func newFixture(t *testing.T) (*Router, *state.Store, *fakeRealtime, *noticeRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewStore(events.NewBus(), nil, logger)
	st.SetSelf("me")
	rt := newFakeRealtime()
	notices := &noticeRecorder{}
	r := NewRouter(st, rt, notices, logger)
	r.Attach()
	return r, st, rt, notices
}

func TestNewMessage_AppendsAndNotifies(t *testing.T) {
	_, st, rt, notices := newFixture(t)
	st.Upsert(rest.Conversation{ID: "c1", Type: "group", Name: "platform"})

	rt.push(t, events.NewMessage, rest.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "**hello** there",
	})

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v, want one message m1", msgs)
	}
	got := notices.all()
	if len(got) != 1 || got[0] != "platform: hello there" {
		t.Fatalf("notices = %v, want markdown-stripped preview under conversation name", got)
	}
}

func TestNewMessage_ActiveConversationIsQuiet(t *testing.T) {
	_, st, rt, notices := newFixture(t)
	st.Upsert(rest.Conversation{ID: "c1", Type: "direct"})
	st.SetActive("c1")

	rt.push(t, events.NewMessage, rest.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi"})

	if len(st.Messages("c1")) != 1 {
		t.Fatal("message not appended")
	}
	if got := notices.all(); len(got) != 0 {
		t.Fatalf("notices = %v, want none for the open conversation", got)
	}
}

func TestNewMessage_OwnEchoIsQuiet(t *testing.T) {
	_, st, rt, notices := newFixture(t)
	st.Upsert(rest.Conversation{ID: "c1", Type: "direct"})

	rt.push(t, events.NewMessage, rest.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "sent from another device"})

	if len(st.Messages("c1")) != 1 {
		t.Fatal("own message should still be appended")
	}
	if got := notices.all(); len(got) != 0 {
		t.Fatalf("notices = %v, want no notice for our own message", got)
	}
}

func TestNewMessage_AttachmentsGetPlaceholderPreviews(t *testing.T) {
	_, st, rt, notices := newFixture(t)
	// A named direct conversation is still announced generically.
	st.Upsert(rest.Conversation{ID: "c1", Type: rest.ConversationDirect, Name: "Dana"})

	rt.push(t, events.NewMessage, rest.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Type: rest.MessageImage, Content: "https://cdn/pic.png",
	})
	rt.push(t, events.NewMessage, rest.Message{
		ID: "m2", ConversationID: "c1", SenderID: "u2", Type: rest.MessageFile, Content: "report.pdf",
	})

	want := []string{"New message: [Image]", "New message: [File]"}
	got := notices.all()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("notices = %v, want %v", got, want)
	}
}

func TestPushesWithoutTypeGetDefaults(t *testing.T) {
	_, st, rt, _ := newFixture(t)

	rt.push(t, events.NewConversation, rest.Conversation{ID: "c1"})
	if c, _ := st.Get("c1"); c.Type != rest.ConversationDirect {
		t.Errorf("conversation type = %q, want %q", c.Type, rest.ConversationDirect)
	}

	rt.push(t, events.NewMessage, rest.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi"})
	if msgs := st.Messages("c1"); len(msgs) != 1 || msgs[0].Type != rest.MessageText {
		t.Errorf("messages = %+v, want one text message", msgs)
	}
}

func TestNewConversation_UpsertsAndJoins(t *testing.T) {
	_, st, rt, _ := newFixture(t)

	rt.push(t, events.NewConversation, rest.Conversation{ID: "c9", Type: "group", Name: "ops"})

	if _, ok := st.Get("c9"); !ok {
		t.Fatal("conversation not added to state")
	}
	rt.mu.Lock()
	joined := append([]string(nil), rt.joined...)
	rt.mu.Unlock()
	if len(joined) != 1 || joined[0] != "c9" {
		t.Fatalf("joined = %v, want [c9]", joined)
	}
}

func TestReceipts_ReadIsTerminal(t *testing.T) {
	r, _, rt, _ := newFixture(t)

	rt.push(t, events.MessageDelivered, map[string]string{"messageId": "m1"})
	if rc, ok := r.ReceiptFor("m1"); !ok || rc != ReceiptDelivered {
		t.Fatalf("receipt = %v %v, want delivered", rc, ok)
	}

	rt.push(t, events.MessageRead, map[string]string{"messageId": "m1"})
	// A delivered push arriving after the read must not downgrade it.
	rt.push(t, events.MessageDelivered, map[string]string{"messageId": "m1"})
	if rc, _ := r.ReceiptFor("m1"); rc != ReceiptRead {
		t.Fatalf("receipt = %v, want read to stick", rc)
	}
}

func TestTyping_IndicatorLapses(t *testing.T) {
	r, _, rt, _ := newFixture(t)
	base := time.Now()
	r.now = func() time.Time { return base }

	rt.push(t, events.UserTyping, map[string]any{"conversationId": "c1", "userId": "u2"})
	if got := r.Typing("c1"); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("typing = %v, want [u2]", got)
	}

	r.now = func() time.Time { return base.Add(typingTTL + time.Second) }
	if got := r.Typing("c1"); len(got) != 0 {
		t.Fatalf("typing = %v, want lapsed indicator gone", got)
	}
}

func TestTyping_ExplicitStopAndMessageClear(t *testing.T) {
	r, st, rt, _ := newFixture(t)
	st.Upsert(rest.Conversation{ID: "c1", Type: "group"})
	st.SetActive("c1")

	rt.push(t, events.UserTyping, map[string]any{"conversationId": "c1", "userId": "u2"})
	rt.push(t, events.UserTyping, map[string]any{"conversationId": "c1", "userId": "u3"})

	stop := false
	rt.push(t, events.UserTyping, map[string]any{"conversationId": "c1", "userId": "u3", "typing": &stop})
	if got := r.Typing("c1"); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("typing = %v, want [u2] after explicit stop", got)
	}

	// Sending a message clears the sender's indicator.
	rt.push(t, events.NewMessage, rest.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "done typing"})
	if got := r.Typing("c1"); len(got) != 0 {
		t.Fatalf("typing = %v, want cleared once the message lands", got)
	}
}

func TestMalformedPushesAreDropped(t *testing.T) {
	r, st, rt, notices := newFixture(t)

	for _, event := range []string{events.NewMessage, events.NewConversation, events.MessageRead, events.UserTyping} {
		rt.push(t, event, map[string]any{})
	}

	if n := len(st.List()); n != 0 {
		t.Fatalf("conversations = %d, want none from malformed pushes", n)
	}
	if rc, ok := r.ReceiptFor(""); ok {
		t.Fatalf("receipt recorded for empty id: %v", rc)
	}
	if got := notices.all(); len(got) != 0 {
		t.Fatalf("notices = %v, want none", got)
	}
}
