package avatar

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Face is the rendered head whose morph-target influences the driver writes.
type Face interface {
	MorphTargets() MorphDictionary
	SetInfluence(index int, weight float32)
}

// MouthSource produces one mouth-openness sample per frame.
// *audio.Player implements it.
type MouthSource interface {
	Tick() float32
}

// FrameDriver samples the mouth source every frame and writes the value to
// the face's mouth morph target.
type FrameDriver struct {
	source MouthSource
	target string
	period time.Duration
	logger zerolog.Logger

	mu     sync.RWMutex
	face   Face
	warned bool
}

// NewFrameDriver creates a driver writing to the target morph at the given
// frame period.
func NewFrameDriver(source MouthSource, target string, period time.Duration, logger zerolog.Logger) *FrameDriver {
	if target == "" {
		target = "mouthOpen"
	}
	if period <= 0 {
		period = time.Second / 60
	}
	return &FrameDriver{
		source: source,
		target: target,
		period: period,
		logger: logger.With().Str("component", "frame-driver").Logger(),
	}
}

// SetFace attaches a face. nil detaches it.
func (d *FrameDriver) SetFace(f Face) {
	d.mu.Lock()
	d.face = f
	d.warned = false
	d.mu.Unlock()
}

// Frame samples once and applies the value. It returns the sampled value.
func (d *FrameDriver) Frame() float32 {
	v := d.source.Tick()

	d.mu.RLock()
	face := d.face
	d.mu.RUnlock()
	if face == nil {
		return v
	}

	idx, ok := face.MorphTargets()[d.target]
	if !ok {
		d.mu.Lock()
		if !d.warned {
			d.warned = true
			d.logger.Warn().Str("target", d.target).Msg("Face has no mouth morph target")
		}
		d.mu.Unlock()
		return v
	}
	face.SetInfluence(idx, v)
	return v
}

// Run calls Frame every period until ctx is cancelled.
func (d *FrameDriver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Frame()
		}
	}
}
