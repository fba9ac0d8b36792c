package call

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/media"
	"github.com/parley-im/parley/internal/rest"
	"github.com/parley-im/parley/internal/transport"
)

// seqLog records the order of side effects so tests can assert that
// sound stops before signals leave.
type seqLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *seqLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *seqLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *seqLog) indexOf(s string) int {
	for i, e := range l.all() {
		if e == s {
			return i
		}
	}
	return -1
}

type fakeSignaler struct {
	log    *seqLog
	mu     sync.Mutex
	emits  []emitted
	ackErr error
}

type emitted struct {
	event   string
	payload signalPayload
}

func (f *fakeSignaler) Emit(_ context.Context, event string, payload any, ack transport.AckFunc) error {
	raw, _ := json.Marshal(payload)
	var p signalPayload
	_ = json.Unmarshal(raw, &p)

	f.log.add("emit:" + event)
	f.mu.Lock()
	f.emits = append(f.emits, emitted{event: event, payload: p})
	ackErr := f.ackErr
	f.mu.Unlock()

	if ack != nil {
		ack(nil, ackErr)
	}
	return nil
}

func (f *fakeSignaler) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeRingtone struct {
	log     *seqLog
	mu      sync.Mutex
	playing bool
}

func (f *fakeRingtone) Play() error {
	f.log.add("ringtone:play")
	f.mu.Lock()
	f.playing = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRingtone) Stop() {
	f.log.add("ringtone:stop")
	f.mu.Lock()
	f.playing = false
	f.mu.Unlock()
}

func (f *fakeRingtone) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type stubSession struct {
	log    *seqLog
	roomID string
	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *stubSession) RoomID() string     { return s.roomID }
func (s *stubSession) RenewToken(string)  {}
func (s *stubSession) OnClosed(fn func()) {}

func (s *stubSession) SetMuted(m bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = m
}

func (s *stubSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *stubSession) Close() error {
	s.log.add("session:close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeEngine struct {
	log     *seqLog
	mu      sync.Mutex
	joined  []string
	joinErr error
	session *stubSession
}

func (f *fakeEngine) Join(_ context.Context, room media.Room) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joined = append(f.joined, room.ID)
	f.session = &stubSession{log: f.log, roomID: room.ID}
	return f.session, nil
}

type fixture struct {
	m        *Manager
	sig      *fakeSignaler
	engine   *fakeEngine
	ringtone *fakeRingtone
	log      *seqLog
	notices  []string
	mu       sync.Mutex
}

func (f *fixture) notify(_, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, body)
}

func (f *fixture) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	log := &seqLog{}
	f := &fixture{
		sig:      &fakeSignaler{log: log},
		engine:   &fakeEngine{log: log},
		ringtone: &fakeRingtone{log: log},
		log:      log,
	}
	opts.Signaler = f.sig
	opts.Engine = f.engine
	opts.Ringtone = f.ringtone
	opts.Notifier = notifyFunc(f.notify)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.FetchToken == nil {
		opts.FetchToken = func(ctx context.Context, roomID string) (rest.MediaToken, error) {
			return rest.MediaToken{Token: "tok", EffectiveTimeInSeconds: 3600}, nil
		}
	}
	f.m = NewManager(opts)
	f.m.SetSelf("me")
	return f
}

type notifyFunc func(title, body string)

func (fn notifyFunc) Notify(title, body string) { fn(title, body) }

func incoming(f *fixture, caller, room string) {
	f.m.handleIncoming(json.RawMessage(
		`{"roomId":"` + room + `","callerId":"` + caller + `"}`))
}

func TestRoomID_Symmetry(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"alice", "bob", "alice-bob"},
		{"bob", "alice", "alice-bob"},
		{"u2", "u10", "u10-u2"}, // lexicographic, not numeric
	}
	for _, tt := range tests {
		if got := RoomID(tt.a, tt.b); got != tt.want {
			t.Errorf("RoomID(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
	if RoomID("x", "y") != RoomID("y", "x") {
		t.Error("RoomID not symmetric")
	}
}

func TestDial_SignalsAndDebounces(t *testing.T) {
	f := newFixture(t, Options{DialCooldown: time.Hour})
	ctx := context.Background()

	if err := f.m.Dial(ctx, "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	starts := f.sig.byEvent("startCall")
	if len(starts) != 1 {
		t.Fatalf("startCall emits = %d, want 1", len(starts))
	}
	if got := starts[0].payload.RoomID; got != "bob-me" {
		t.Errorf("roomId = %q, want bob-me", got)
	}
	if f.m.State() != StateDialing {
		t.Errorf("state = %v, want dialing", f.m.State())
	}

	// Busy while dialing.
	if err := f.m.Dial(ctx, "carol", "c2"); !errors.Is(err, ErrBusy) {
		t.Errorf("Dial while dialing = %v, want ErrBusy", err)
	}

	// Back to idle, still inside the cooldown window: debounced.
	if err := f.m.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if err := f.m.Dial(ctx, "bob", "c1"); !errors.Is(err, ErrTooSoon) {
		t.Errorf("redial inside cooldown = %v, want ErrTooSoon", err)
	}
	if got := len(f.sig.byEvent("startCall")); got != 1 {
		t.Errorf("startCall emits after debounce = %d, want 1", got)
	}
}

func TestIncoming_RingsThenAcceptJoinsRoom(t *testing.T) {
	f := newFixture(t, Options{})
	incoming(f, "bob", "bob-me")

	if f.m.State() != StateRinging {
		t.Fatalf("state = %v, want ringing", f.m.State())
	}
	if !f.ringtone.Playing() {
		t.Fatal("ringtone not playing on incoming call")
	}

	if err := f.m.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if f.m.State() != StateActive {
		t.Errorf("state = %v, want active", f.m.State())
	}
	if len(f.engine.joined) != 1 || f.engine.joined[0] != "bob-me" {
		t.Errorf("joined rooms = %v, want [bob-me]", f.engine.joined)
	}

	// The ringtone must be silent before the accept signal leaves.
	stop, emit := f.log.indexOf("ringtone:stop"), f.log.indexOf("emit:acceptCall")
	if stop == -1 || emit == -1 || stop > emit {
		t.Errorf("effect order = %v, want ringtone:stop before emit:acceptCall", f.log.all())
	}
}

func TestIncoming_WhileBusySignalsBusy(t *testing.T) {
	f := newFixture(t, Options{})
	incoming(f, "bob", "bob-me")
	incoming(f, "carol", "carol-me")

	if f.m.Peer() != "bob" {
		t.Errorf("peer = %q, second call displaced the first", f.m.Peer())
	}
	busy := f.sig.byEvent("callError")
	if len(busy) != 1 || busy[0].payload.Reason != "busy" {
		t.Errorf("callError emits = %+v, want one busy for carol-me", busy)
	}
	if got := busy[0].payload.RoomID; got != "carol-me" {
		t.Errorf("busy roomId = %q, want carol-me", got)
	}
}

func TestIncoming_NotAddressedToUsIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	// Addressed to someone else.
	f.m.handleIncoming(json.RawMessage(`{"roomId":"bob-dave","callerId":"bob","calleeId":"dave"}`))
	if f.m.State() != StateIdle {
		t.Errorf("state = %v after someone else's call, want idle", f.m.State())
	}

	// Our own outgoing signal echoed back.
	f.m.handleIncoming(json.RawMessage(`{"roomId":"bob-me","callerId":"me"}`))
	if f.m.State() != StateIdle {
		t.Errorf("state = %v after own echo, want idle", f.m.State())
	}
	if f.ringtone.Playing() {
		t.Error("ringtone started for a call that is not ours")
	}
}

func TestPeerAccepts_RoomMismatchStillConnects(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Dial(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	f.m.handleAccepted(json.RawMessage(`{"roomId":"something-else"}`))

	if f.m.State() != StateActive {
		t.Fatalf("state = %v, want active despite room mismatch", f.m.State())
	}
	// We join our own room, not the mismatched one.
	if len(f.engine.joined) != 1 || f.engine.joined[0] != "bob-me" {
		t.Errorf("joined = %v, want [bob-me]", f.engine.joined)
	}
}

func TestHangUp_StopsSoundBeforeEndSignal(t *testing.T) {
	f := newFixture(t, Options{})
	incoming(f, "bob", "bob-me")

	if err := f.m.HangUp(context.Background()); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	if f.m.State() != StateIdle {
		t.Errorf("state = %v, want idle", f.m.State())
	}

	stop, emit := f.log.indexOf("ringtone:stop"), f.log.indexOf("emit:endCall")
	if stop == -1 || emit == -1 || stop > emit {
		t.Errorf("effect order = %v, want ringtone:stop before emit:endCall", f.log.all())
	}
}

func TestHangUp_NoCall(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.HangUp(context.Background()); !errors.Is(err, ErrNoCall) {
		t.Errorf("HangUp with no call = %v, want ErrNoCall", err)
	}
	if len(f.sig.byEvent("endCall")) != 0 {
		t.Error("endCall signaled with no call in progress")
	}
}

func TestPeerAccepts_OutgoingGoesActive(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Dial(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	f.m.handleAccepted(json.RawMessage(`{"roomId":"bob-me"}`))

	if f.m.State() != StateActive {
		t.Fatalf("state = %v, want active", f.m.State())
	}
	if len(f.engine.joined) != 1 {
		t.Errorf("joined = %v, want one room", f.engine.joined)
	}
}

func TestPeerAccepts_StrayPushIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.m.handleAccepted(json.RawMessage(`{"roomId":"bob-me"}`))
	if f.m.State() != StateIdle {
		t.Errorf("state = %v after stray accept, want idle", f.m.State())
	}
	if len(f.engine.joined) != 0 {
		t.Error("stray accept joined a media room")
	}
}

func TestPeerEnds_ActsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.Dial(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	f.m.handleAccepted(json.RawMessage(`{"roomId":"bob-me"}`))

	end := json.RawMessage(`{"roomId":"bob-me"}`)
	f.m.handleEnded(end)
	f.m.handleEnded(end) // duplicate push

	if f.m.State() != StateIdle {
		t.Errorf("state = %v, want idle", f.m.State())
	}
	if f.engine.session == nil || !f.engine.session.closed {
		t.Error("media session not closed")
	}
	closes := 0
	for _, e := range f.log.all() {
		if e == "session:close" {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("session closed %d times, want 1", closes)
	}
}

func TestPeerEnds_WhileRingingIsMissedCall(t *testing.T) {
	f := newFixture(t, Options{})
	incoming(f, "bob", "bob-me")

	f.m.handleEnded(json.RawMessage(`{"roomId":"bob-me"}`))

	if f.ringtone.Playing() {
		t.Error("ringtone still playing after caller gave up")
	}
	if f.noticeCount() != 1 {
		t.Errorf("notices = %d, want 1 missed-call notice", f.noticeCount())
	}
}

func TestRingTimeout_OutgoingEndsWithNoAnswer(t *testing.T) {
	f := newFixture(t, Options{RingTimeout: 20 * time.Millisecond})
	if err := f.m.Dial(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("dial never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(f.sig.byEvent("endCall")) != 1 {
		t.Error("timeout did not signal endCall")
	}
	if f.noticeCount() == 0 {
		t.Error("no notice for unanswered call")
	}
}

func TestRingTimeout_IncomingBecomesMissedCall(t *testing.T) {
	f := newFixture(t, Options{RingTimeout: 20 * time.Millisecond})
	incoming(f, "bob", "bob-me")

	deadline := time.Now().Add(2 * time.Second)
	for f.m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("ring never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.ringtone.Playing() {
		t.Error("ringtone still playing after timeout")
	}
	// Missed ring must not signal endCall; the caller owns their side.
	if len(f.sig.byEvent("endCall")) != 0 {
		t.Error("incoming timeout signaled endCall")
	}
}

func TestSetMuted(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.m.SetMuted(true); !errors.Is(err, ErrNoCall) {
		t.Errorf("SetMuted with no call = %v, want ErrNoCall", err)
	}

	if err := f.m.Dial(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	f.m.handleAccepted(json.RawMessage(`{"roomId":"bob-me"}`))
	if err := f.m.SetMuted(true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if !f.engine.session.Muted() {
		t.Error("session not muted")
	}
}
