// Package events defines the realtime event vocabulary shared by the
// transport, the membership router, the presence tracker, and the call
// signaling machine, plus a small publish/subscribe bus used to fan
// state changes out to local consumers. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Wire event names emitted to the realtime server.
const (
	// Authenticate binds the connection to a user id. Sent once per
	// connection, immediately after connect.
	Authenticate = "authenticate"
	// JoinUserConversations subscribes the connection to a batch of
	// conversation rooms.
	JoinUserConversations = "joinUserConversations"
	// LeaveUserConversations unsubscribes from conversation rooms.
	// Fire-and-forget; never worth reconnecting for.
	LeaveUserConversations = "leaveUserConversations"
	// StartCall initiates a call toward a receiver.
	StartCall = "startCall"
	// AcceptCall signals the caller that the receiver has accepted.
	AcceptCall = "acceptCall"
	// EndCall tears a call down from either side. Also used for reject.
	EndCall = "endCall"
)

// Wire event names pushed by the realtime server.
const (
	// NewMessage delivers a message to a joined conversation room.
	NewMessage = "newMessage"
	// UserTyping signals a remote participant is typing.
	UserTyping = "userTyping"
	// NewConversation announces a conversation the user was added to.
	NewConversation = "newConversation"
	// MessageRead and MessageDelivered are receipt updates.
	MessageRead      = "messageRead"
	MessageDelivered = "messageDelivered"
	// CallError reports a server-side signaling failure for the
	// active call.
	CallError = "callError"

	// Membership deltas.
	UserAddedToGroup     = "userAddedToGroup"
	UserRemovedFromGroup = "userRemovedFromGroup"
	UserLeftGroup        = "userLeftGroup"
	GroupDeleted         = "groupDeleted"
	GroupCoOwnerAdded    = "groupCoOwnerAdded"
	GroupCoOwnerRemoved  = "groupCoOwnerRemoved"
	GroupOwnerChanged    = "groupOwnerChanged"
	GroupNameChanged     = "groupNameChanged"
	GroupAvatarChanged   = "groupAvatarChanged"
	UserBlocked          = "userBlocked"
	UserUnblocked        = "userUnblocked"

	// Presence pushes.
	UserStatusChange   = "userStatusChange"
	UserActivityUpdate = "userActivityUpdate"

	// ForceLogout signals the session has been superseded elsewhere.
	// The one event that must interrupt the user unconditionally.
	ForceLogout = "forceLogout"

	// RefreshZegoToken is the request/response pair carrying a fresh
	// media-room credential {token, appId, userId, effectiveTimeInSeconds}.
	RefreshZegoToken = "refreshZegoToken"
)

// Local event names published on the bus without a wire counterpart.
const (
	// PresenceRelabel fires on the minute tick so rendered presence
	// labels age out of their buckets.
	PresenceRelabel = "presence:relabel"
)

// Event is one state-change notification published on the local bus.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Name is the wire event name that caused the change.
	Name string `json:"name"`
	// ConversationID scopes the change when it concerns one
	// conversation; empty otherwise.
	ConversationID string `json:"conversationId,omitempty"`
	// Payload is the raw wire payload, if any.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates a bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
