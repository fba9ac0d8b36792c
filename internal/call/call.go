// Package call implements the one-on-one call state machine: placing,
// receiving, accepting and ending calls signaled over the realtime
// connection, with the media room joined through the media engine.
//
// Two ordering rules shape this package. Repeated dial attempts
// within the cooldown window are ignored, so a double-click can never
// signal two calls. And all local sound is stopped before any
// end-of-call signal is emitted, so the peer can never hear us ring
// after they know the call is over.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/audio"
	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/media"
	"github.com/parley-im/parley/internal/notify"
	"github.com/parley-im/parley/internal/transport"
)

// State of the call machine.
type State int

const (
	StateIdle    State = iota
	StateDialing       // outgoing, waiting for the peer to accept
	StateRinging       // incoming, waiting for us to accept
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when a call operation conflicts with the
	// current state.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrTooSoon is returned when Dial lands inside the cooldown
	// window of the previous attempt.
	ErrTooSoon = errors.New("call: dialed again too soon")
	// ErrNoCall is returned when Accept or HangUp has nothing to act on.
	ErrNoCall = errors.New("call: no call in progress")
)

// RoomID derives the media room for a pair of users. Both sides must
// arrive at the same id regardless of who dials, so the user ids are
// sorted before joining.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// Signaler emits call signals. Satisfied by *transport.Client.
type Signaler interface {
	Emit(ctx context.Context, event string, payload any, ack transport.AckFunc) error
}

// signalPayload is the wire shape of every call signal.
type signalPayload struct {
	RoomID         string `json:"roomId"`
	CallerID       string `json:"callerId,omitempty"`
	CalleeID       string `json:"calleeId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	// IsVideo is carried on the wire for peers that render video.
	// This client only places voice calls.
	IsVideo bool   `json:"isVideo"`
	Reason  string `json:"reason,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Signaler   Signaler
	Engine     media.Engine
	FetchToken media.FetchTokenFunc
	Ringtone   audio.Player
	Sounds     *audio.Registry
	Tokens     *media.TokenKeeper
	Notifier   notify.Notifier
	// DialCooldown is the debounce window for Dial (default 2s).
	DialCooldown time.Duration
	// RingTimeout bounds unanswered calls in both directions
	// (default 30s).
	RingTimeout time.Duration
	Logger      *slog.Logger
}

// Manager is the call state machine. All methods are safe for
// concurrent use; push handlers run on the transport read loop.
type Manager struct {
	sig        Signaler
	engine     media.Engine
	fetchToken media.FetchTokenFunc
	ringtone   audio.Player
	sounds     *audio.Registry
	tokens     *media.TokenKeeper
	notifier   notify.Notifier
	cooldown   time.Duration
	ringLimit  time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	selfID    string
	state     State
	peerID    string
	roomID    string
	convID    string
	session   media.Session
	lastDial  time.Time
	ringTimer *time.Timer

	now func() time.Time
}

// NewManager creates an idle call manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	if opts.DialCooldown <= 0 {
		opts.DialCooldown = 2 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	return &Manager{
		sig:        opts.Signaler,
		engine:     opts.Engine,
		fetchToken: opts.FetchToken,
		ringtone:   opts.Ringtone,
		sounds:     opts.Sounds,
		tokens:     opts.Tokens,
		notifier:   notifier,
		cooldown:   opts.DialCooldown,
		ringLimit:  opts.RingTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// SetSelf records the signed-in user's id.
func (m *Manager) SetSelf(userID string) {
	m.mu.Lock()
	m.selfID = userID
	m.mu.Unlock()
}

// Attach subscribes the manager to call pushes on the realtime
// connection.
func (m *Manager) Attach(rt *transport.Client) {
	rt.On(events.StartCall, m.handleIncoming)
	rt.On(events.AcceptCall, m.handleAccepted)
	rt.On(events.EndCall, m.handleEnded)
	rt.On(events.CallError, m.handleError)
	if m.tokens != nil {
		rt.On(media.PushEvent, m.tokens.HandlePush)
	}
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Peer returns the other party's user id, if a call is in progress.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// Dial places a call to peerID. Attempts inside the cooldown window
// of the previous one return ErrTooSoon without signaling anything.
func (m *Manager) Dial(ctx context.Context, peerID, conversationID string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	if since := m.now().Sub(m.lastDial); since < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("dial debounced", "peer_id", peerID, "since_last", since)
		m.notifier.Notify("Call", "Please wait a moment before calling again.")
		return ErrTooSoon
	}
	m.lastDial = m.now()
	m.state = StateDialing
	m.peerID = peerID
	m.convID = conversationID
	m.roomID = RoomID(m.selfID, peerID)
	payload := signalPayload{
		RoomID:         m.roomID,
		CallerID:       m.selfID,
		CalleeID:       peerID,
		ConversationID: conversationID,
	}
	m.armRingTimerLocked()
	m.mu.Unlock()

	m.logger.Info("placing call", "peer_id", peerID, "room_id", payload.RoomID)
	return m.sig.Emit(ctx, events.StartCall, payload, func(_ json.RawMessage, err error) {
		if err != nil {
			m.logger.Warn("call signal not delivered", "error", err)
			m.abort("Call failed. Check your connection.")
		}
	})
}

// Accept answers the ringing incoming call: silences the ringtone,
// signals acceptance, and joins the media room.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.stopRingTimerLocked()
	roomID, peerID := m.roomID, m.peerID
	m.mu.Unlock()

	// Ringtone off before anything leaves the client.
	m.silence()

	payload := signalPayload{RoomID: roomID, CallerID: peerID, CalleeID: m.self()}
	if err := m.sig.Emit(ctx, events.AcceptCall, payload, nil); err != nil {
		return fmt.Errorf("signal accept: %w", err)
	}

	if err := m.joinRoom(ctx, roomID); err != nil {
		m.notifier.Notify("Call", "Could not join the call.")
		m.endLocally(ctx, "media setup failed")
		return err
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()
	m.logger.Info("call accepted", "room_id", roomID)
	return nil
}

// HangUp ends the current call in any non-idle state. Idempotent:
// hanging up with no call returns ErrNoCall and signals nothing.
func (m *Manager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()

	m.endLocally(ctx, "hang up")
	return nil
}

// SetMuted toggles the local microphone during an active call.
func (m *Manager) SetMuted(muted bool) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return ErrNoCall
	}
	session.SetMuted(muted)
	return nil
}

// handleIncoming processes a startCall push. A second incoming call
// while one is in progress is answered with a busy error, not a
// second ringtone.
func (m *Manager) handleIncoming(payload json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		m.logger.Warn("malformed startCall push")
		return
	}
	// When the push names a callee, only that user may ring. Pushes
	// without one fall back to "anyone who is not the caller".
	if self := m.self(); (p.CalleeID != "" && p.CalleeID != self) || p.CallerID == self {
		m.logger.Debug("startCall push not addressed to us", "room_id", p.RoomID)
		return
	}

	m.mu.Lock()
	if m.state != StateIdle {
		busy := m.roomID != p.RoomID
		m.mu.Unlock()
		if busy {
			m.logger.Info("incoming call while busy", "room_id", p.RoomID)
			_ = m.sig.Emit(context.Background(), events.CallError,
				signalPayload{RoomID: p.RoomID, Reason: "busy"}, nil)
		}
		return
	}
	m.state = StateRinging
	m.peerID = p.CallerID
	m.roomID = p.RoomID
	m.convID = p.ConversationID
	m.armRingTimerLocked()
	m.mu.Unlock()

	m.logger.Info("incoming call", "caller_id", p.CallerID, "room_id", p.RoomID)
	if m.ringtone != nil {
		if err := m.ringtone.Play(); err != nil {
			m.logger.Warn("ringtone playback failed", "error", err)
		}
	}
}

// handleAccepted processes the peer accepting our outgoing call.
func (m *Manager) handleAccepted(payload json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	m.mu.Lock()
	if m.state != StateDialing {
		m.mu.Unlock()
		m.logger.Debug("stray acceptCall push ignored", "room_id", p.RoomID)
		return
	}
	if p.RoomID != "" && p.RoomID != m.roomID {
		// Accept for a room we did not dial. Log it but proceed with
		// our own room; the peer clearly answered our call.
		m.logger.Warn("acceptCall room mismatch", "got", p.RoomID, "want", m.roomID)
	}
	m.stopRingTimerLocked()
	roomID := m.roomID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.joinRoom(ctx, roomID); err != nil {
		m.notifier.Notify("Call", "Could not join the call.")
		m.endLocally(ctx, "media setup failed")
		return
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()
	m.logger.Info("call connected", "room_id", roomID)
}

// handleEnded processes the peer ending the call. Repeated pushes for
// an already-ended call are ignored.
func (m *Manager) handleEnded(payload json.RawMessage) {
	var p signalPayload
	_ = json.Unmarshal(payload, &p)

	m.mu.Lock()
	if m.state == StateIdle || (p.RoomID != "" && p.RoomID != m.roomID) {
		m.mu.Unlock()
		return
	}
	missed := m.state == StateRinging
	session := m.clearLocked()
	m.mu.Unlock()

	m.silence()
	m.teardown(session)
	if missed {
		m.notifier.Notify("Missed call", "You missed a call.")
	}
	m.logger.Info("call ended by peer", "room_id", p.RoomID)
}

// handleError processes a callError push.
func (m *Manager) handleError(payload json.RawMessage) {
	var p signalPayload
	_ = json.Unmarshal(payload, &p)

	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	session := m.clearLocked()
	m.mu.Unlock()

	m.silence()
	m.teardown(session)

	reason := p.Reason
	if reason == "" {
		reason = "call failed"
	}
	if reason == "busy" {
		m.notifier.Notify("Call", "The other person is on another call.")
	} else {
		m.notifier.Notify("Call", "Call failed: "+reason)
	}
	m.logger.Warn("call error", "reason", reason, "room_id", p.RoomID)
}

// endLocally tears the call down from our side: sound off first, then
// the end signal, then media teardown.
func (m *Manager) endLocally(ctx context.Context, why string) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	roomID := m.roomID
	session := m.clearLocked()
	m.mu.Unlock()

	m.silence()
	_ = m.sig.Emit(ctx, events.EndCall, signalPayload{RoomID: roomID}, nil)
	m.teardown(session)
	m.logger.Info("call ended", "room_id", roomID, "why", why)
}

// abort ends the call without signaling, used when signaling itself
// failed.
func (m *Manager) abort(notice string) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	session := m.clearLocked()
	m.mu.Unlock()

	m.silence()
	m.teardown(session)
	if notice != "" {
		m.notifier.Notify("Call", notice)
	}
}

// clearLocked resets call state and returns the session to tear down.
// Caller holds m.mu.
func (m *Manager) clearLocked() media.Session {
	m.stopRingTimerLocked()
	session := m.session
	m.session = nil
	m.state = StateIdle
	m.peerID = ""
	m.roomID = ""
	m.convID = ""
	return session
}

// silence stops all local sound and only returns once it is inaudible.
func (m *Manager) silence() {
	if m.sounds != nil {
		m.sounds.StopAll()
	} else if m.ringtone != nil {
		m.ringtone.Stop()
	}
}

func (m *Manager) teardown(session media.Session) {
	if m.tokens != nil {
		m.tokens.Stop()
	}
	if session != nil {
		_ = session.Close()
	}
}

// joinRoom fetches a media token and joins the room.
func (m *Manager) joinRoom(ctx context.Context, roomID string) error {
	tok, err := m.fetchToken(ctx, roomID)
	if err != nil {
		return fmt.Errorf("fetch media token: %w", err)
	}
	session, err := m.engine.Join(ctx, media.Room{
		ID:     roomID,
		UserID: m.self(),
		Token:  tok.Token,
	})
	if err != nil {
		return fmt.Errorf("join media room: %w", err)
	}
	session.OnClosed(func() {
		m.logger.Warn("media session closed underneath the call", "room_id", roomID)
		m.abort("Call dropped.")
	})

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if m.tokens != nil {
		m.tokens.Watch(session, time.Duration(tok.EffectiveTimeInSeconds)*time.Second)
	}
	return nil
}

// armRingTimerLocked bounds how long a call may ring unanswered in
// either direction. Caller holds m.mu.
func (m *Manager) armRingTimerLocked() {
	m.stopRingTimerLocked()
	m.ringTimer = time.AfterFunc(m.ringLimit, m.ringTimedOut)
}

func (m *Manager) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// ringTimedOut fires when a call rang unanswered for the full limit.
func (m *Manager) ringTimedOut() {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateDialing:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.endLocally(ctx, "no answer")
		m.notifier.Notify("Call", "No answer.")
	case StateRinging:
		m.mu.Lock()
		session := m.clearLocked()
		m.mu.Unlock()
		m.silence()
		m.teardown(session)
		m.notifier.Notify("Missed call", "You missed a call.")
	}
}

func (m *Manager) self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}
