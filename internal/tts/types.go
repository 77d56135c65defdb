// Package tts turns reply text into playable audio through the backend's
// synthesis endpoint.
package tts

import (
	"context"
	"errors"

	"github.com/CodeForgeNet/virtualme/internal/backend"
)

// ErrSynthesis is returned when no playable audio could be produced.
var ErrSynthesis = errors.New("speech synthesis failed")

// Synthesizer is the transport the gateway sends text through.
// *backend.Client implements it.
type Synthesizer interface {
	Speak(ctx context.Context, text string) (*backend.SpeechResponse, error)
}
