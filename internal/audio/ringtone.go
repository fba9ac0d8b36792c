package audio

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gen2brain/malgo"
)

//go:embed assets/ringtone.wav
var defaultRingtone []byte

// Ringtone loops a WAV clip on the default playback device.
type Ringtone struct {
	clip   clip
	logger *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	pos     int
	playing bool
}

// NewRingtone loads the ringtone from path. A missing or unreadable
// primary path falls back to fallbackPath, and an empty or failing
// fallback falls back to the built-in tone, so a broken asset never
// leaves an incoming call silent.
func NewRingtone(path, fallbackPath string, logger *slog.Logger) (*Ringtone, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, fromFile := loadAsset(path, fallbackPath, logger)
	c, err := decodeWAV(data)
	if err != nil && fromFile {
		logger.Warn("configured ringtone undecodable, using built-in tone", "error", err)
		c, err = decodeWAV(defaultRingtone)
	}
	if err != nil {
		return nil, fmt.Errorf("decode ringtone: %w", err)
	}

	return &Ringtone{clip: c, logger: logger}, nil
}

func loadAsset(path, fallbackPath string, logger *slog.Logger) ([]byte, bool) {
	for _, p := range []string{path, fallbackPath} {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn("read ringtone asset failed", "path", p, "error", err)
			continue
		}
		return data, true
	}
	return defaultRingtone, false
}

// Play starts looping the clip. Idempotent while already playing.
func (r *Ringtone) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = r.clip.channels
	cfg.SampleRate = r.clip.sampleRate
	cfg.Alsa.NoMMap = 1

	r.pos = 0
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			r.fill(out)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback: %w", err)
	}

	r.ctx = ctx
	r.device = device
	r.playing = true
	r.logger.Debug("ringtone started")
	return nil
}

// fill copies PCM into the device buffer, wrapping to loop.
func (r *Ringtone) fill(out []byte) {
	r.mu.Lock()
	pcm := r.clip.pcm
	pos := r.pos
	r.mu.Unlock()

	for len(out) > 0 {
		n := copy(out, pcm[pos:])
		out = out[n:]
		pos = (pos + n) % len(pcm)
	}

	r.mu.Lock()
	r.pos = pos
	r.mu.Unlock()
}

// Stop halts playback and releases the device. Safe to call when not
// playing.
func (r *Ringtone) Stop() {
	r.mu.Lock()
	device, ctx := r.device, r.ctx
	r.device, r.ctx = nil, nil
	wasPlaying := r.playing
	r.playing = false
	r.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if ctx != nil {
		ctx.Uninit()
		ctx.Free()
	}
	if wasPlaying {
		r.logger.Debug("ringtone stopped")
	}
}

// Playing reports whether the ringtone is audible.
func (r *Ringtone) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}
