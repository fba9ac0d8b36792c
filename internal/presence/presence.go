// Package presence tracks per-user online status and last-activity
// timestamps pushed over the realtime connection, and renders them as
// the human-readable labels shown next to a contact.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/transport"
)

// Freshness buckets for last-activity rendering. A user active within
// onlineWindow counts as online even without an explicit online flag;
// activity older than offlineAfter is indistinguishable from offline.
const (
	onlineWindow = 5 * time.Minute
	offlineAfter = 24 * time.Hour
)

// Status is the tracked presence of one user.
type Status struct {
	UserID     string
	Online     bool
	LastActive *time.Time
}

// Tracker holds the latest presence pushed for each user.
type Tracker struct {
	mu     sync.RWMutex
	byUser map[string]Status

	running      atomic.Bool
	relabelEvery time.Duration
	pollEvery    time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates an empty presence tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byUser:       make(map[string]Status),
		relabelEvery: time.Minute,
		pollEvery:    30 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
}

// PollFunc fetches authoritative presence for the users on screen.
type PollFunc func(ctx context.Context) ([]rest.User, error)

// Run re-evaluates presence until ctx is cancelled: every minute the
// onRelabel callback fires so rendered labels age out of their
// buckets, and every thirty seconds poll refreshes the tracked state.
// A second concurrent Run returns immediately so re-running setup
// code cannot double the tickers.
func (t *Tracker) Run(ctx context.Context, poll PollFunc, onRelabel func()) {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Debug("presence ticker already running")
		return
	}
	defer t.running.Store(false)

	relabel := time.NewTicker(t.relabelEvery)
	defer relabel.Stop()
	pollTick := time.NewTicker(t.pollEvery)
	defer pollTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-relabel.C:
			if onRelabel != nil {
				onRelabel()
			}
		case <-pollTick.C:
			if poll == nil {
				continue
			}
			users, err := poll(ctx)
			if err != nil {
				t.logger.Debug("presence poll failed", "error", err)
				continue
			}
			t.Seed(users)
		}
	}
}

// Attach subscribes the tracker to presence pushes on the realtime
// connection.
func (t *Tracker) Attach(rt *transport.Client) {
	rt.On(events.UserStatusChange, t.handleStatusChange)
	rt.On(events.UserActivityUpdate, t.handleActivityUpdate)
}

// Seed primes the tracker from fetched user records, so labels are
// correct before the first push arrives.
func (t *Tracker) Seed(users []rest.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range users {
		t.byUser[u.ID] = Status{UserID: u.ID, Online: u.Online, LastActive: u.LastActive}
	}
}

// Update records an explicit online/offline transition.
func (t *Tracker) Update(userID string, online bool, lastActive *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byUser[userID]
	s.UserID = userID
	s.Online = online
	if lastActive != nil {
		s.LastActive = lastActive
	} else if !online && s.LastActive == nil {
		// Going offline without a timestamp: the moment of the push
		// is the best last-activity estimate we have.
		now := t.now()
		s.LastActive = &now
	}
	t.byUser[userID] = s
}

// Touch records fresh activity for a user without changing the online
// flag.
func (t *Tracker) Touch(userID string, lastActive time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byUser[userID]
	s.UserID = userID
	s.LastActive = &lastActive
	t.byUser[userID] = s
}

// Status returns the tracked presence for a user.
func (t *Tracker) Status(userID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byUser[userID]
	return s, ok
}

// LabelFor renders the presence label for a user. Unknown users are
// offline.
func (t *Tracker) LabelFor(userID string) string {
	s, _ := t.Status(userID)
	return Label(s.Online, s.LastActive, t.now())
}

// Label renders one presence state as a display string. An explicit
// online flag wins; otherwise the last-activity age decides the
// bucket, with anything older than a day (or never seen) shown as
// plain offline rather than a stale timestamp.
func Label(online bool, lastActive *time.Time, now time.Time) string {
	if online {
		return "Online"
	}
	if lastActive == nil {
		return "Offline"
	}
	age := now.Sub(*lastActive)
	switch {
	case age < onlineWindow:
		return "Online"
	case age < time.Hour:
		return fmt.Sprintf("Active %d min ago", int(age.Minutes()))
	case age < offlineAfter:
		return fmt.Sprintf("Active %d hr ago", int(age.Hours()))
	default:
		return "Offline"
	}
}

func (t *Tracker) handleStatusChange(payload json.RawMessage) {
	var body struct {
		UserID     string     `json:"userId"`
		Online     bool       `json:"online"`
		LastActive *time.Time `json:"lastActive"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.logger.Warn("malformed userStatusChange payload", "error", err)
		return
	}
	if body.UserID == "" {
		return
	}
	t.Update(body.UserID, body.Online, body.LastActive)
	t.logger.Debug("presence updated", "user_id", body.UserID, "online", body.Online)
}

func (t *Tracker) handleActivityUpdate(payload json.RawMessage) {
	var body struct {
		UserID     string    `json:"userId"`
		LastActive time.Time `json:"lastActive"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.logger.Warn("malformed userActivityUpdate payload", "error", err)
		return
	}
	if body.UserID == "" || body.LastActive.IsZero() {
		return
	}
	t.Touch(body.UserID, body.LastActive)
}
