// Package state holds the in-memory conversation list shared by the
// transport handlers, the group event router, and the UI surface. All
// mutation goes through one store so concurrent pushes cannot race,
// and every change is announced on the event bus for anyone rendering
// the list.
package state

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/rest"
)

// Local bus event names announced by the store. ConversationID on the
// event names the affected conversation where there is one.
const (
	ConversationsReplaced = "state:conversationsReplaced"
	ConversationUpdated   = "state:conversationUpdated"
	ConversationRemoved   = "state:conversationRemoved"
	MessageAppended       = "state:messageAppended"
)

// Persister saves the conversation id snapshot used to rejoin rooms
// after a restart or reconnect. Satisfied by *store.Store.
type Persister interface {
	SaveConversations(ids []string) error
}

// Store is the shared conversation state.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]rest.Conversation
	order    []string
	messages map[string][]rest.Message
	activeID string
	selfID   string

	bus     *events.Bus
	persist Persister
	logger  *slog.Logger
}

// NewStore creates an empty state store. bus and persist may be nil.
func NewStore(bus *events.Bus, persist Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:     make(map[string]rest.Conversation),
		messages: make(map[string][]rest.Message),
		bus:      bus,
		persist:  persist,
		logger:   logger,
	}
}

// SetSelf records the signed-in user's id. Group event handling needs
// it to tell "I was removed" apart from "someone else was removed".
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
}

// Self returns the signed-in user's id.
func (s *Store) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// ReplaceAll installs a freshly fetched conversation list, replacing
// whatever was held before, and persists the id snapshot.
func (s *Store) ReplaceAll(convs []rest.Conversation) {
	s.mu.Lock()
	s.byID = make(map[string]rest.Conversation, len(convs))
	s.order = s.order[:0]
	for _, c := range convs {
		s.byID[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	s.persistSnapshot(ids)
	s.publish(ConversationsReplaced, "")
}

// Upsert inserts or updates one conversation. New conversations go to
// the front of the list.
func (s *Store) Upsert(c rest.Conversation) {
	s.mu.Lock()
	if _, exists := s.byID[c.ID]; !exists {
		s.order = append([]string{c.ID}, s.order...)
	}
	s.byID[c.ID] = c
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	s.persistSnapshot(ids)
	s.publish(ConversationUpdated, c.ID)
}

// Remove drops a conversation. Returns false if it was not present,
// so callers handling duplicate removal pushes can act exactly once.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	if _, exists := s.byID[id]; !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, id)
	delete(s.messages, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
	if s.activeID == id {
		s.activeID = ""
	}
	ids := slices.Clone(s.order)
	s.mu.Unlock()

	s.persistSnapshot(ids)
	s.publish(ConversationRemoved, id)
	return true
}

// Get returns one conversation by id.
func (s *Store) Get(id string) (rest.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// List returns the conversations in display order.
func (s *Store) List() []rest.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rest.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// IDs returns the conversation ids in display order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// SetActive marks the conversation currently open on screen.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	s.activeID = id
	s.mu.Unlock()
}

// Active returns the id of the open conversation, if any.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// IsActive reports whether id is the open conversation.
func (s *Store) IsActive(id string) bool {
	return id != "" && s.Active() == id
}

// Mutate applies fn to one conversation under the write lock and
// announces the update. No-op when the conversation is unknown.
func (s *Store) Mutate(id string, fn func(c *rest.Conversation)) bool {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(&c)
	s.byID[id] = c
	s.mu.Unlock()

	s.publish(ConversationUpdated, id)
	return true
}

// AppendMessage records a message in receipt order and updates the
// conversation preview.
func (s *Store) AppendMessage(m rest.Message) {
	s.mu.Lock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	if c, ok := s.byID[m.ConversationID]; ok {
		c.LastMessage = &m
		s.byID[m.ConversationID] = c
	}
	s.mu.Unlock()

	s.publish(MessageAppended, m.ConversationID)
}

// Messages returns the recorded messages for a conversation, oldest
// first.
func (s *Store) Messages(conversationID string) []rest.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

func (s *Store) persistSnapshot(ids []string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveConversations(ids); err != nil {
		s.logger.Warn("persist conversation snapshot failed", "error", err)
	}
}

func (s *Store) publish(name, conversationID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Name: name, ConversationID: conversationID})
}
