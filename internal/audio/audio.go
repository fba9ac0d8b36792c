// Package audio plays the call ringtone and guarantees it is silenced
// before any call signal leaves the client.
//
// Every player registers with a Registry. StopAll sweeps the registry
// in several passes with short gaps, because a player started
// concurrently with the stop could otherwise survive the first sweep
// and ring over a call that already ended.
package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Player is a loopable sound.
type Player interface {
	// Play starts looping playback. Idempotent while playing.
	Play() error
	// Stop halts playback. Safe to call when not playing.
	Stop()
	// Playing reports whether the player is currently audible.
	Playing() bool
}

// Sweep gaps for StopAll. Three passes catch a player whose Play
// races the first sweep.
var stopSweepGaps = []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}

// Registry tracks the live players so all sound can be silenced at
// once.
type Registry struct {
	mu      sync.Mutex
	players map[Player]struct{}
	logger  *slog.Logger
}

// NewRegistry creates an empty player registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{players: make(map[Player]struct{}), logger: logger}
}

// Register adds a player to the silence sweep.
func (r *Registry) Register(p Player) {
	r.mu.Lock()
	r.players[p] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a player.
func (r *Registry) Unregister(p Player) {
	r.mu.Lock()
	delete(r.players, p)
	r.mu.Unlock()
}

// StopAll silences every registered player. It sweeps multiple times
// with short gaps and returns only when the final sweep is done, so a
// caller that emits a signal right after StopAll knows the sound has
// already stopped.
func (r *Registry) StopAll() {
	for i, gap := range stopSweepGaps {
		if gap > 0 {
			time.Sleep(gap)
		}
		if n := r.sweep(); n > 0 && i == len(stopSweepGaps)-1 {
			r.logger.Warn("players still active on final silence sweep", "count", n)
		}
	}
}

// sweep stops every playing player once and reports how many were
// still playing.
func (r *Registry) sweep() int {
	r.mu.Lock()
	players := make([]Player, 0, len(r.players))
	for p := range r.players {
		players = append(players, p)
	}
	r.mu.Unlock()

	stopped := 0
	for _, p := range players {
		if p.Playing() {
			stopped++
		}
		p.Stop()
	}
	return stopped
}
