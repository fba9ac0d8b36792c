// Package groups routes group membership pushes from the realtime
// connection into the shared conversation state.
//
// The tricky cases are the ones that remove the signed-in user from a
// group they may be looking at: being kicked and group deletion. Both
// must act exactly once even when the server repeats the push, and
// both must close the conversation view if it is open.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/notify"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/state"
	"github.com/parley-im/parley/internal/transport"
)

// ConversationAPI fetches conversation details for groups the user
// was just added to. Satisfied by *rest.Client.
type ConversationAPI interface {
	GetConversationDetail(ctx context.Context, id string) (*rest.Conversation, error)
}

// BlockList records block state pushed by the server. Satisfied by
// *contacts.Store.
type BlockList interface {
	SetBlocked(id string, blocked bool) error
}

// Realtime is the room subscription surface the router needs.
// Satisfied by *transport.Client.
type Realtime interface {
	On(event string, h transport.Handler)
	JoinConversations(ctx context.Context, ids []string) error
	LeaveConversation(id string)
}

// Router applies group membership pushes to the conversation state.
type Router struct {
	state    *state.Store
	api      ConversationAPI
	rt       Realtime
	blocks   BlockList
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewRouter creates a group event router. blocks may be nil. Call
// Attach to start receiving pushes.
func NewRouter(st *state.Store, api ConversationAPI, rt Realtime, blocks BlockList, notifier notify.Notifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	return &Router{state: st, api: api, rt: rt, blocks: blocks, notifier: notifier, logger: logger}
}

// Attach subscribes the router to every group membership event.
func (r *Router) Attach() {
	r.rt.On(events.UserAddedToGroup, r.handleUserAdded)
	r.rt.On(events.UserRemovedFromGroup, r.handleUserRemoved)
	r.rt.On(events.UserLeftGroup, r.handleUserLeft)
	r.rt.On(events.GroupDeleted, r.handleGroupDeleted)
	r.rt.On(events.GroupCoOwnerAdded, r.handleCoOwnerAdded)
	r.rt.On(events.GroupCoOwnerRemoved, r.handleCoOwnerRemoved)
	r.rt.On(events.GroupOwnerChanged, r.handleOwnerChanged)
	r.rt.On(events.GroupNameChanged, r.handleNameChanged)
	r.rt.On(events.GroupAvatarChanged, r.handleAvatarChanged)
	r.rt.On(events.UserBlocked, r.handleUserBlocked)
	r.rt.On(events.UserUnblocked, r.handleUserUnblocked)
}

// membershipPush is the shared payload shape of membership events.
// ActorID names who performed the action; the affected user is UserID.
type membershipPush struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	ActorID        string     `json:"actorId"`
	GroupName      string     `json:"groupName"`
	User           *rest.User `json:"user"`
	Actor          *rest.User `json:"actor"`
}

// actorName resolves the acting user to something displayable.
func (p membershipPush) actorName() string {
	if p.Actor != nil && p.Actor.Name != "" {
		return p.Actor.Name
	}
	return p.ActorID
}

func (r *Router) decode(payload json.RawMessage, event string) (membershipPush, bool) {
	var p membershipPush
	if err := json.Unmarshal(payload, &p); err != nil {
		r.logger.Warn("malformed group push", "event", event, "error", err)
		return p, false
	}
	if p.ConversationID == "" {
		return p, false
	}
	return p, true
}

func (r *Router) handleUserAdded(payload json.RawMessage) {
	p, ok := r.decode(payload, events.UserAddedToGroup)
	if !ok {
		return
	}

	if p.UserID == r.state.Self() {
		// Added to a new group: fetch it, install it, join its room.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conv, err := r.api.GetConversationDetail(ctx, p.ConversationID)
		if err != nil {
			r.logger.Warn("fetch joined group failed", "conversation_id", p.ConversationID, "error", err)
			return
		}
		r.state.Upsert(*conv)
		if err := r.rt.JoinConversations(ctx, []string{p.ConversationID}); err != nil {
			r.logger.Warn("join group room failed", "conversation_id", p.ConversationID, "error", err)
		}
		r.notifier.Notify("Added to group", fmt.Sprintf("You were added to %s", displayName(conv.Name, p.GroupName)))
		return
	}

	var duplicate bool
	changed := r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		// Re-delivered push: the member is already listed and counted.
		if hasMember(c.Members, p.UserID) {
			duplicate = true
			return
		}
		if p.User != nil {
			c.Members = append(c.Members, *p.User)
		}
		c.MemberCount++
	})
	if changed && !duplicate {
		name := p.UserID
		if p.User != nil && p.User.Name != "" {
			name = p.User.Name
		}
		r.systemMessage(p.ConversationID, fmt.Sprintf("%s joined the group", name))
	}
}

func (r *Router) handleUserRemoved(payload json.RawMessage) {
	p, ok := r.decode(payload, events.UserRemovedFromGroup)
	if !ok {
		return
	}

	if p.UserID == r.state.Self() {
		notice := fmt.Sprintf("You were removed from %s", displayName(groupName(r.state, p.ConversationID), p.GroupName))
		if actor := p.actorName(); actor != "" {
			notice += " by " + actor
		}
		r.evictSelf(p.ConversationID, notice)
		return
	}
	if r.dropMember(p.ConversationID, p.UserID) {
		r.systemMessage(p.ConversationID, fmt.Sprintf("%s was removed from the group", p.UserID))
	}
}

func (r *Router) handleUserLeft(payload json.RawMessage) {
	p, ok := r.decode(payload, events.UserLeftGroup)
	if !ok {
		return
	}
	if p.UserID == r.state.Self() {
		// Our own leave was already applied locally when we asked the
		// server; the echo push must not raise a notice.
		r.state.Remove(p.ConversationID)
		r.rt.LeaveConversation(p.ConversationID)
		return
	}
	if r.dropMember(p.ConversationID, p.UserID) {
		r.systemMessage(p.ConversationID, fmt.Sprintf("%s left the group", p.UserID))
	}
}

func (r *Router) handleGroupDeleted(payload json.RawMessage) {
	p, ok := r.decode(payload, events.GroupDeleted)
	if !ok {
		return
	}
	r.evictSelf(p.ConversationID, fmt.Sprintf("%s was deleted", displayName(groupName(r.state, p.ConversationID), p.GroupName)))
}

// evictSelf removes a conversation the user no longer belongs to.
// state.Remove reports whether the conversation was still present,
// which makes repeated pushes for the same eviction act exactly once.
func (r *Router) evictSelf(conversationID, notice string) {
	wasActive := r.state.IsActive(conversationID)
	if !r.state.Remove(conversationID) {
		r.logger.Debug("duplicate eviction push ignored", "conversation_id", conversationID)
		return
	}
	r.rt.LeaveConversation(conversationID)
	r.notifier.Notify("Group", notice)
	if wasActive {
		r.logger.Info("open conversation evicted", "conversation_id", conversationID)
	}
}

func (r *Router) dropMember(conversationID, userID string) bool {
	return r.state.Mutate(conversationID, func(c *rest.Conversation) {
		for i, m := range c.Members {
			if m.ID == userID {
				c.Members = append(c.Members[:i], c.Members[i+1:]...)
				break
			}
		}
		if c.MemberCount > 0 {
			c.MemberCount--
		}
		c.CoOwnerIDs = remove(c.CoOwnerIDs, userID)
	})
}

func (r *Router) handleCoOwnerAdded(payload json.RawMessage) {
	p, ok := r.decode(payload, events.GroupCoOwnerAdded)
	if !ok {
		return
	}
	if r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		if !contains(c.CoOwnerIDs, p.UserID) {
			c.CoOwnerIDs = append(c.CoOwnerIDs, p.UserID)
		}
	}) {
		// Co-owner pushes carry only the one user id; reconcile the
		// full role picture from the server.
		go r.reconcile(p.ConversationID)
	}
}

func (r *Router) handleCoOwnerRemoved(payload json.RawMessage) {
	p, ok := r.decode(payload, events.GroupCoOwnerRemoved)
	if !ok {
		return
	}
	if r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		c.CoOwnerIDs = remove(c.CoOwnerIDs, p.UserID)
	}) {
		go r.reconcile(p.ConversationID)
	}
}

func (r *Router) handleOwnerChanged(payload json.RawMessage) {
	p, ok := r.decode(payload, events.GroupOwnerChanged)
	if !ok {
		return
	}
	changed := r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		c.OwnerID = p.UserID
		// A promoted co-owner stops being listed as one.
		c.CoOwnerIDs = remove(c.CoOwnerIDs, p.UserID)
	})
	if changed {
		r.systemMessage(p.ConversationID, fmt.Sprintf("%s is now the group owner", p.UserID))
		// Ownership pushes carry only the new owner; reconcile the
		// full role picture from the server.
		go r.reconcile(p.ConversationID)
	}
}

func (r *Router) handleNameChanged(payload json.RawMessage) {
	var p struct {
		ConversationID string `json:"conversationId"`
		Name           string `json:"name"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		return
	}
	if r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		c.Name = p.Name
	}) {
		r.systemMessage(p.ConversationID, fmt.Sprintf("Group renamed to %s", p.Name))
	}
}

func (r *Router) handleAvatarChanged(payload json.RawMessage) {
	var p struct {
		ConversationID string `json:"conversationId"`
		AvatarURL      string `json:"avatarUrl"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.state.Mutate(p.ConversationID, func(c *rest.Conversation) {
		c.AvatarURL = p.AvatarURL
	})
}

func (r *Router) handleUserBlocked(payload json.RawMessage) {
	r.setBlocked(payload, true)
}

func (r *Router) handleUserUnblocked(payload json.RawMessage) {
	r.setBlocked(payload, false)
}

func (r *Router) setBlocked(payload json.RawMessage, blocked bool) {
	if r.blocks == nil {
		return
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return
	}
	if err := r.blocks.SetBlocked(p.UserID, blocked); err != nil {
		r.logger.Warn("record block state failed", "user_id", p.UserID, "error", err)
	}
}

// systemMessage appends a synthetic system message. Handlers run
// sequentially on the transport read loop, so messages land in the
// order their pushes arrived.
func (r *Router) systemMessage(conversationID, content string) {
	r.state.AppendMessage(rest.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           rest.MessageSystem,
		Content:        content,
		CreatedAt:      time.Now(),
	})
}

// reconcile refreshes one conversation from the server. Best-effort.
func (r *Router) reconcile(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conv, err := r.api.GetConversationDetail(ctx, conversationID)
	if err != nil {
		r.logger.Debug("reconcile conversation failed", "conversation_id", conversationID, "error", err)
		return
	}
	r.state.Upsert(*conv)
}

func displayName(known, pushed string) string {
	if known != "" {
		return known
	}
	if pushed != "" {
		return pushed
	}
	return "the group"
}

func groupName(st *state.Store, id string) string {
	if c, ok := st.Get(id); ok {
		return c.Name
	}
	return ""
}

func hasMember(members []rest.User, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
