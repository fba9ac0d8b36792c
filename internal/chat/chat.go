// Package chat routes message-level pushes into the shared
// conversation state: new messages, new conversations, delivery and
// read receipts, and typing indicators.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/msgfmt"
	"github.com/parley-im/parley/internal/notify"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/state"
	"github.com/parley-im/parley/internal/transport"
)

// typingTTL is how long a typing indicator stays lit without a fresh
// push.
const typingTTL = 5 * time.Second

// previewLimit bounds notification previews.
const previewLimit = 80

// Receipt is the delivery state of one message.
type Receipt string

const (
	ReceiptDelivered Receipt = "delivered"
	ReceiptRead      Receipt = "read"
)

// Realtime is the subscription surface the router needs. Satisfied by
// *transport.Client.
type Realtime interface {
	On(event string, h transport.Handler)
	JoinConversations(ctx context.Context, ids []string) error
}

// Router applies message pushes to the conversation state.
type Router struct {
	state    *state.Store
	rt       Realtime
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	receipts map[string]Receipt
	typing   map[string]map[string]time.Time // conversation -> user -> last push

	now func() time.Time
}

// NewRouter creates a message event router. Call Attach to start
// receiving pushes.
func NewRouter(st *state.Store, rt Realtime, notifier notify.Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	return &Router{
		state:    st,
		rt:       rt,
		notifier: notifier,
		logger:   logger,
		receipts: make(map[string]Receipt),
		typing:   make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// Attach subscribes the router to message pushes.
func (r *Router) Attach() {
	r.rt.On(events.NewMessage, r.handleNewMessage)
	r.rt.On(events.NewConversation, r.handleNewConversation)
	r.rt.On(events.MessageDelivered, r.handleDelivered)
	r.rt.On(events.MessageRead, r.handleRead)
	r.rt.On(events.UserTyping, r.handleTyping)
}

// ReceiptFor returns the known delivery state of a message.
func (r *Router) ReceiptFor(messageID string) (Receipt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.receipts[messageID]
	return rc, ok
}

// Typing returns the users currently typing in a conversation.
// Indicators older than the TTL have lapsed.
func (r *Router) Typing(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-typingTTL)
	var out []string
	for userID, at := range r.typing[conversationID] {
		if at.After(cutoff) {
			out = append(out, userID)
		} else {
			delete(r.typing[conversationID], userID)
		}
	}
	return out
}

func (r *Router) handleNewMessage(payload json.RawMessage) {
	var m rest.Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ID == "" || m.ConversationID == "" {
		r.logger.Warn("malformed newMessage push")
		return
	}
	if m.Type == "" {
		m.Type = rest.MessageText
	}

	r.state.AppendMessage(m)

	// A fresh message supersedes any typing indicator from its sender.
	r.mu.Lock()
	if users, ok := r.typing[m.ConversationID]; ok {
		delete(users, m.SenderID)
	}
	r.mu.Unlock()

	if m.SenderID != r.state.Self() && !r.state.IsActive(m.ConversationID) {
		title := "New message"
		if c, ok := r.state.Get(m.ConversationID); ok && c.Type == rest.ConversationGroup && c.Name != "" {
			title = c.Name
		}
		r.notifier.Notify(title, previewFor(m))
	}
}

// previewFor is the one-line notification body for a message.
func previewFor(m rest.Message) string {
	switch m.Type {
	case rest.MessageImage:
		return "[Image]"
	case rest.MessageFile:
		return "[File]"
	}
	return msgfmt.Preview(m.Content, previewLimit)
}

func (r *Router) handleNewConversation(payload json.RawMessage) {
	var c rest.Conversation
	if err := json.Unmarshal(payload, &c); err != nil || c.ID == "" {
		r.logger.Warn("malformed newConversation push")
		return
	}
	if c.Type == "" {
		c.Type = rest.ConversationDirect
	}

	r.state.Upsert(c)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.rt.JoinConversations(ctx, []string{c.ID}); err != nil {
		r.logger.Warn("join new conversation room failed", "conversation_id", c.ID, "error", err)
	}
	r.logger.Info("conversation added", "conversation_id", c.ID, "type", c.Type)
}

type receiptPush struct {
	MessageID string `json:"messageId"`
}

func (r *Router) handleDelivered(payload json.RawMessage) {
	r.setReceipt(payload, ReceiptDelivered)
}

func (r *Router) handleRead(payload json.RawMessage) {
	r.setReceipt(payload, ReceiptRead)
}

func (r *Router) setReceipt(payload json.RawMessage, rc Receipt) {
	var p receiptPush
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Read is terminal: a late delivered push never downgrades it.
	if r.receipts[p.MessageID] == ReceiptRead && rc == ReceiptDelivered {
		return
	}
	r.receipts[p.MessageID] = rc
}

func (r *Router) handleTyping(payload json.RawMessage) {
	var p struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
		Typing         *bool  `json:"typing"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" || p.UserID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Typing != nil && !*p.Typing {
		if users, ok := r.typing[p.ConversationID]; ok {
			delete(users, p.UserID)
		}
		return
	}
	if r.typing[p.ConversationID] == nil {
		r.typing[p.ConversationID] = make(map[string]time.Time)
	}
	r.typing[p.ConversationID][p.UserID] = r.now()
}
