package audio

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/bus"
)

// Player owns one persistent audio element and, once the first source is
// playable, one analyser reused for every later utterance. Only the most
// recent Load is audible; events from earlier sources are ignored.
type Player struct {
	platform Platform
	lipsync  *LipSync
	cfg      LipSyncConfig
	eventBus *bus.EventBus
	logger   zerolog.Logger

	// opMu serializes calls into the platform.
	opMu sync.Mutex

	mu       sync.Mutex
	element  Element
	analyser Analyser
	bins     []byte
	gen      uint64
	source   string
	speaking bool
	closed   bool

	onSpeaking func(speaking bool)

	// float32 bits of the current openness. Written under mu by Tick and by
	// a natural end; read anywhere without locking.
	mouth atomic.Uint32
}

// NewPlayer creates a player. Platform resources are created lazily.
func NewPlayer(platform Platform, cfg LipSyncConfig, eventBus *bus.EventBus, logger zerolog.Logger) *Player {
	if cfg.FFTSize <= 0 {
		cfg = DefaultLipSyncConfig()
	}
	return &Player{
		platform: platform,
		lipsync:  NewLipSync(cfg),
		cfg:      cfg,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio").Logger(),
	}
}

// OnSpeakingChange sets the callback for speaking state changes.
func (p *Player) OnSpeakingChange(fn func(speaking bool)) {
	p.mu.Lock()
	p.onSpeaking = fn
	p.mu.Unlock()
}

// Speaking reports whether audio is currently playing.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Source returns the currently assigned uri.
func (p *Player) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// MouthOpen returns the latest mouth openness in [0,1].
func (p *Player) MouthOpen() float32 {
	return math.Float32frombits(p.mouth.Load())
}

// Load points the element at uri. Playback starts once the platform reports
// the source can play through.
func (p *Player) Load(uri string) error {
	if uri == "" {
		return p.Stop()
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	el := p.element
	p.mu.Unlock()

	if el == nil {
		var err error
		el, err = p.platform.NewElement()
		if err != nil {
			return oops.In("audio").Wrapf(err, "create audio element")
		}
	}

	p.mu.Lock()
	p.element = el
	p.gen++
	gen := p.gen
	p.source = uri
	wasSpeaking := p.speaking
	p.speaking = false
	p.mu.Unlock()

	if wasSpeaking {
		p.notifySpeaking(false)
	}

	el.OnCanPlayThrough(func() { p.handleCanPlayThrough(gen) })
	el.OnEnded(func() { p.handleEnded(gen) })
	if err := el.SetSource(uri); err != nil {
		return oops.In("audio").Wrapf(err, "set source")
	}

	p.logger.Debug().Uint64("gen", gen).Int("uriLen", len(uri)).Msg("Audio source loaded")
	return nil
}

func (p *Player) handleCanPlayThrough(gen uint64) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	el := p.element
	needAnalyser := p.analyser == nil
	p.mu.Unlock()

	if needAnalyser {
		an, err := p.platform.NewAnalyser(el, p.cfg.FFTSize)
		if err != nil {
			// play without lip-sync
			p.logger.Warn().Err(err).Msg("Failed to create analyser")
		} else {
			p.mu.Lock()
			p.analyser = an
			p.bins = make([]byte, an.FrequencyBinCount())
			p.mu.Unlock()
		}
	}

	if err := el.Play(); err != nil {
		p.logger.Error().Err(err).Msg("Audio play failed")
		return
	}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.speaking = true
	p.mu.Unlock()
	p.notifySpeaking(true)
}

func (p *Player) handleEnded(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || !p.speaking {
		p.mu.Unlock()
		return
	}
	p.speaking = false
	p.mouth.Store(math.Float32bits(0))
	p.mu.Unlock()

	p.notifySpeaking(false)
}

// Stop pauses and unloads the element. The mouth eases closed over the
// following frames.
func (p *Player) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	p.gen++
	p.source = ""
	el := p.element
	wasSpeaking := p.speaking
	p.speaking = false
	p.mu.Unlock()

	var err error
	if el != nil {
		if perr := el.Pause(); perr != nil {
			err = oops.In("audio").Wrapf(perr, "pause")
		}
		if serr := el.SetSource(""); serr != nil && err == nil {
			err = oops.In("audio").Wrapf(serr, "clear source")
		}
	}
	if wasSpeaking {
		p.notifySpeaking(false)
	}
	return err
}

// Tick samples one frame and returns the new mouth openness. A frame that
// overlaps a load, stop or natural end is dropped.
func (p *Player) Tick() float32 {
	p.mu.Lock()
	gen := p.gen
	speaking := p.speaking
	an := p.analyser
	bins := p.bins
	prev := p.MouthOpen()
	p.mu.Unlock()

	var next float32
	if speaking && an != nil {
		an.ByteFrequencyData(bins)
		next = p.lipsync.Speaking(prev, bins)
	} else {
		next = p.lipsync.Silent(prev)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || speaking != p.speaking {
		return p.MouthOpen()
	}
	p.mouth.Store(math.Float32bits(next))
	return next
}

// Close releases the element and analyser. The player cannot be reused.
func (p *Player) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.gen++
	el, an := p.element, p.analyser
	p.element, p.analyser, p.bins = nil, nil, nil
	wasSpeaking := p.speaking
	p.speaking = false
	p.mouth.Store(0)
	p.mu.Unlock()

	if an != nil {
		_ = an.Close()
	}
	if el != nil {
		_ = el.Pause()
		_ = el.Close()
	}
	if wasSpeaking {
		p.notifySpeaking(false)
	}
	return nil
}

func (p *Player) notifySpeaking(speaking bool) {
	p.mu.Lock()
	fn := p.onSpeaking
	p.mu.Unlock()

	if p.eventBus != nil {
		et := bus.EventTypeSpeakingStopped
		if speaking {
			et = bus.EventTypeSpeakingStarted
		}
		p.eventBus.Publish(bus.Event{Type: et})
	}
	if fn != nil {
		fn(speaking)
	}
}
