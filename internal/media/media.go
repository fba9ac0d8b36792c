// Package media owns the audio room a call runs in. The call state
// machine only talks to the Engine and Session interfaces; the
// pion-backed implementation lives here and nothing above this
// package touches webrtc types.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Room describes the media room to join. The token authorizes this
// user for this room only and expires server-side.
type Room struct {
	ID     string
	UserID string
	Token  string
}

// Engine joins media rooms.
type Engine interface {
	Join(ctx context.Context, room Room) (Session, error)
}

// Session is one live media room membership.
type Session interface {
	RoomID() string
	// RenewToken installs a fresh authorization token without
	// interrupting the media streams.
	RenewToken(token string)
	SetMuted(muted bool)
	Muted() bool
	// OnClosed registers a callback for the media transport dying
	// underneath the session. Fires at most once.
	OnClosed(fn func())
	Close() error
}

// WebRTC is the pion-backed Engine.
type WebRTC struct {
	config webrtc.Configuration
	logger *slog.Logger
}

// NewWebRTC creates an engine using the given STUN servers. An empty
// list gets a public default so direct calls still connect.
func NewWebRTC(stunServers []string, logger *slog.Logger) *WebRTC {
	if logger == nil {
		logger = slog.Default()
	}
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &WebRTC{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
		logger: logger,
	}
}

// Join opens a peer connection for the room and attaches the local
// audio track.
func (e *WebRTC) Join(ctx context.Context, room Room) (Session, error) {
	if room.ID == "" || room.Token == "" {
		return nil, errors.New("media: room id and token are required")
	}

	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", uuid.NewString(),
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("attach audio track: %w", err)
	}

	s := &webrtcSession{
		roomID: room.ID,
		token:  room.Token,
		pc:     pc,
		logger: e.logger.With("room_id", room.ID),
	}

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.logger.Debug("ICE state changed", "state", st.String())
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info("peer connection state changed", "state", st.String())
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
			s.notifyClosed()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info("remote track received",
			"kind", track.Kind().String(),
			"track_id", track.ID(),
		)
	})

	s.logger.Info("joined media room", "user_id", room.UserID)
	return s, nil
}

type webrtcSession struct {
	roomID string
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	muted    bool
	closed   bool
	onClosed func()
}

func (s *webrtcSession) RoomID() string { return s.roomID }

func (s *webrtcSession) RenewToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.logger.Debug("media token renewed")
}

func (s *webrtcSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	s.logger.Debug("microphone mute changed", "muted", muted)
}

func (s *webrtcSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *webrtcSession) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *webrtcSession) notifyClosed() {
	s.mu.Lock()
	fn := s.onClosed
	s.onClosed = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.pc.Close()
	if err != nil {
		s.logger.Warn("close peer connection failed", "error", err)
	} else {
		s.logger.Info("left media room")
	}
	s.notifyClosed()
	return err
}
