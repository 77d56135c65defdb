package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/CodeForgeNet/virtualme/internal/bus"
)

// Gateway synthesizes speech, one backend request per call. It neither
// retries nor caches.
type Gateway struct {
	synth    Synthesizer
	eventBus *bus.EventBus
	logger   zerolog.Logger
}

// NewGateway creates a synthesis gateway. eventBus may be nil.
func NewGateway(synth Synthesizer, eventBus *bus.EventBus, logger zerolog.Logger) *Gateway {
	return &Gateway{
		synth:    synth,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "tts").Logger(),
	}
}

// CleanText removes markdown emphasis markers so they are not read aloud.
func CleanText(text string) string {
	return strings.ReplaceAll(text, "*", "")
}

// GenerateSpeech returns an audio data URI for text.
func (g *Gateway) GenerateSpeech(ctx context.Context, text string) (string, error) {
	clean := CleanText(text)
	start := time.Now()

	resp, err := g.synth.Speak(ctx, clean)
	if err != nil {
		g.fail(err, len(clean))
		return "", oops.In("tts").With("textLen", len(clean)).Wrapf(fmt.Errorf("%w: %w", ErrSynthesis, err), "synthesize")
	}
	if resp == nil || resp.AudioData == "" {
		err := oops.In("tts").With("textLen", len(clean)).Wrapf(ErrSynthesis, "no audio data returned from TTS service")
		g.fail(err, len(clean))
		return "", err
	}

	g.logger.Debug().
		Int("textLen", len(clean)).
		Int("audioLen", len(resp.AudioData)).
		Dur("latency", time.Since(start)).
		Msg("Speech synthesized")
	if g.eventBus != nil {
		g.eventBus.Publish(bus.Event{
			Type: bus.EventTypeTTSCompleted,
			Data: map[string]any{"audioLen": len(resp.AudioData)},
		})
	}
	return resp.AudioData, nil
}

func (g *Gateway) fail(err error, textLen int) {
	g.logger.Error().Err(err).Int("textLen", textLen).Msg("Error generating speech")
	if g.eventBus != nil {
		g.eventBus.Publish(bus.Event{
			Type: bus.EventTypeTTSFailed,
			Data: map[string]any{"error": err.Error()},
		})
	}
}
