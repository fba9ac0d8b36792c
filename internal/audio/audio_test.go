package audio

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func init() {
	// Keep StopAll tests fast.
	stopSweepGaps = []time.Duration{0, time.Millisecond, 2 * time.Millisecond}
}

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	stops   int
}

func (f *fakePlayer) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	return nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.stops++
}

func (f *fakePlayer) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakePlayer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStopAll_SilencesEveryPlayer(t *testing.T) {
	r := NewRegistry(testLogger())
	p1, p2 := &fakePlayer{}, &fakePlayer{}
	r.Register(p1)
	r.Register(p2)
	p1.Play()
	p2.Play()

	r.StopAll()

	if p1.Playing() || p2.Playing() {
		t.Error("player still audible after StopAll")
	}
}

func TestStopAll_CatchesRacingPlay(t *testing.T) {
	r := NewRegistry(testLogger())
	p := &fakePlayer{}
	r.Register(p)

	// Start playback between the first and second sweep.
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(500 * time.Microsecond)
		p.Play()
	}()

	r.StopAll()
	<-done

	if p.Playing() {
		t.Error("late-starting player survived the sweeps")
	}
	if p.stopCount() < 2 {
		t.Errorf("stops = %d, want at least 2 sweeps", p.stopCount())
	}
}

func TestUnregister_ExcludesPlayer(t *testing.T) {
	r := NewRegistry(testLogger())
	p := &fakePlayer{}
	r.Register(p)
	r.Unregister(p)
	p.Play()

	r.StopAll()

	if !p.Playing() {
		t.Error("unregistered player was stopped")
	}
}

func TestDecodeWAV_EmbeddedRingtone(t *testing.T) {
	c, err := decodeWAV(defaultRingtone)
	if err != nil {
		t.Fatalf("decodeWAV(embedded) = %v", err)
	}
	if c.channels != 1 {
		t.Errorf("channels = %d, want 1", c.channels)
	}
	if c.sampleRate != 8000 {
		t.Errorf("sampleRate = %d, want 8000", c.sampleRate)
	}
	if len(c.pcm) == 0 {
		t.Error("no PCM data decoded")
	}
}

func TestDecodeWAV_Rejections(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("ID3\x03 this is something else entirely")},
		{"riff but truncated", []byte("RIFF\x04\x00\x00\x00WAVE")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeWAV(tt.data); err == nil {
				t.Error("decodeWAV accepted invalid input")
			}
		})
	}
}

func TestNewRingtone_FallsBackToBuiltin(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "broken.wav")
	if err := os.WriteFile(garbage, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Missing primary, undecodable fallback: the built-in tone must
	// still produce a usable player.
	r, err := NewRingtone(filepath.Join(dir, "missing.wav"), garbage, testLogger())
	if err != nil {
		t.Fatalf("NewRingtone = %v", err)
	}
	if len(r.clip.pcm) == 0 {
		t.Error("fallback player has no PCM")
	}
	if r.Playing() {
		t.Error("new player reports playing")
	}
}

func TestNewRingtone_LoadsConfiguredAsset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")
	if err := os.WriteFile(path, defaultRingtone, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRingtone(path, "", testLogger())
	if err != nil {
		t.Fatalf("NewRingtone = %v", err)
	}
	if r.clip.sampleRate != 8000 {
		t.Errorf("sampleRate = %d", r.clip.sampleRate)
	}
}
