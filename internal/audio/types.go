// Package audio plays synthesized speech and derives a mouth-openness
// signal from its spectrum.
package audio

import (
	"errors"
)

// Common errors
var (
	ErrClosed = errors.New("audio player closed")
)

// Element is the platform's single audio element. Event callbacks must be
// delivered asynchronously, never from inside an Element method call.
type Element interface {
	// SetSource points the element at a new source. An empty uri unloads it.
	SetSource(uri string) error
	Play() error
	Pause() error
	// OnCanPlayThrough replaces the can-play-through callback.
	OnCanPlayThrough(fn func())
	// OnEnded replaces the natural-end callback.
	OnEnded(fn func())
	Close() error
}

// Analyser exposes the frequency spectrum of an element's output.
type Analyser interface {
	// FrequencyBinCount is half the FFT size.
	FrequencyBinCount() int
	// ByteFrequencyData copies the current magnitudes (0-255) into dst.
	ByteFrequencyData(dst []byte)
	Close() error
}

// Platform creates audio resources.
type Platform interface {
	NewElement() (Element, error)
	// NewAnalyser routes el through a new analyser and on to the output.
	NewAnalyser(el Element, fftSize int) (Analyser, error)
}

// LipSyncConfig tunes the mouth-openness signal.
type LipSyncConfig struct {
	FFTSize    int     // analyser FFT size
	SpeechBins int     // lowest bins averaged, roughly the speech band
	Reference  float64 // average magnitude treated as fully open
	Gain       float64 // boost applied after normalization
	Attack     float64 // weight of the new level while speaking
	Decay      float64 // per-frame factor while silent
	Epsilon    float64 // below this the mouth snaps shut
}

// DefaultLipSyncConfig returns the tuning used for speech.
func DefaultLipSyncConfig() LipSyncConfig {
	return LipSyncConfig{
		FFTSize:    256,
		SpeechBins: 20,
		Reference:  128,
		Gain:       1.2,
		Attack:     0.5,
		Decay:      0.8,
		Epsilon:    0.01,
	}
}
