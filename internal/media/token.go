package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-im/parley/internal/events"
	"github.com/parley-im/parley/internal/rest"
)

// FetchTokenFunc fetches a fresh media token authorizing the
// signed-in user for one room. Satisfied by a closure over
// rest.Client.GetMediaToken.
type FetchTokenFunc func(ctx context.Context, roomID string) (rest.MediaToken, error)

// TokenKeeper keeps a media session's token fresh for as long as the
// session lives. Renewal happens two ways: a proactive timer fires
// shortly before the server-stated expiry, and the server can push a
// replacement token at any time.
type TokenKeeper struct {
	fetch  FetchTokenFunc
	lead   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	session Session
	timer   *time.Timer
}

// NewTokenKeeper creates a keeper that renews lead before expiry.
func NewTokenKeeper(fetch FetchTokenFunc, lead time.Duration, logger *slog.Logger) *TokenKeeper {
	if logger == nil {
		logger = slog.Default()
	}
	if lead <= 0 {
		lead = 30 * time.Second
	}
	return &TokenKeeper{fetch: fetch, lead: lead, logger: logger}
}

// Watch starts keeping the session's token fresh. ttl is the
// server-stated lifetime of the token the session was joined with.
func (k *TokenKeeper) Watch(session Session, ttl time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.session = session
	k.scheduleLocked(ttl)
}

// Stop stops renewal. Called when the call ends.
func (k *TokenKeeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.session = nil
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

// HandlePush installs a server-pushed replacement token and reschedules
// the proactive renewal. Payload shape: {"token": ..., "effectiveTimeInSeconds": ...}.
func (k *TokenKeeper) HandlePush(payload json.RawMessage) {
	var body struct {
		Token                  string `json:"token"`
		EffectiveTimeInSeconds int    `json:"effectiveTimeInSeconds"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Token == "" {
		k.logger.Warn("malformed token refresh push")
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		// No live call; the push is stale.
		return
	}
	k.session.RenewToken(body.Token)
	k.scheduleLocked(time.Duration(body.EffectiveTimeInSeconds) * time.Second)
	k.logger.Info("media token replaced by server push")
}

// PushEvent is the wire event HandlePush consumes. Exposed so the
// wiring code can subscribe without knowing the payload shape.
const PushEvent = events.RefreshZegoToken

// scheduleLocked arms the proactive renewal timer. Caller holds k.mu.
func (k *TokenKeeper) scheduleLocked(ttl time.Duration) {
	if k.timer != nil {
		k.timer.Stop()
	}
	if ttl <= 0 {
		return
	}
	delay := ttl - k.lead
	if delay < 0 {
		delay = 0
	}
	k.timer = time.AfterFunc(delay, k.renew)
}

// renew fetches a fresh token and installs it.
func (k *TokenKeeper) renew() {
	k.mu.Lock()
	session := k.session
	k.mu.Unlock()
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := k.fetch(ctx, session.RoomID())
	if err != nil {
		// Retry shortly; the session token may still be valid.
		k.logger.Warn("media token renewal failed, retrying", "error", err)
		k.mu.Lock()
		if k.session != nil {
			k.scheduleLocked(2 * k.lead)
		}
		k.mu.Unlock()
		return
	}

	k.mu.Lock()
	if k.session == nil {
		k.mu.Unlock()
		return
	}
	k.session.RenewToken(tok.Token)
	k.scheduleLocked(time.Duration(tok.EffectiveTimeInSeconds) * time.Second)
	k.mu.Unlock()

	k.logger.Debug("media token renewed proactively")
}
