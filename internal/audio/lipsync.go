package audio

import (
	"github.com/go-gl/mathgl/mgl32"
)

// LipSync maps spectrum frames to mouth openness in [0,1]. It is stateless;
// the caller carries the previous value between frames.
type LipSync struct {
	cfg LipSyncConfig
}

// NewLipSync creates a sampler with cfg.
func NewLipSync(cfg LipSyncConfig) *LipSync {
	return &LipSync{cfg: cfg}
}

// Level converts a spectrum frame into a target openness. It may exceed 1
// by the configured gain.
func (l *LipSync) Level(bins []byte) float32 {
	n := l.cfg.SpeechBins
	if n > len(bins) {
		n = len(bins)
	}
	if n <= 0 {
		return 0
	}

	var sum int
	for _, b := range bins[:n] {
		sum += int(b)
	}
	avg := float64(sum) / float64(n)

	level := avg / l.cfg.Reference
	if level > 1 {
		level = 1
	}
	return float32(level * l.cfg.Gain)
}

// Speaking blends the previous openness toward the frame's level.
func (l *LipSync) Speaking(prev float32, bins []byte) float32 {
	a := float32(l.cfg.Attack)
	next := prev*(1-a) + l.Level(bins)*a
	return mgl32.Clamp(next, 0, 1)
}

// Silent eases the mouth closed.
func (l *LipSync) Silent(prev float32) float32 {
	if prev <= float32(l.cfg.Epsilon) {
		return 0
	}
	next := prev * float32(l.cfg.Decay)
	if next < float32(l.cfg.Epsilon) {
		return 0
	}
	return mgl32.Clamp(next, 0, 1)
}
