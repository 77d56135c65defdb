// Package remote implements the speech, audio and face platform ports over a
// websocket to the browser page that hosts them.
//
// Every frame is one JSON envelope. Commands flow both ways: the server
// drives capture, the audio element, the analyser and morph weights; the page
// reports recognition results, element events, spectrum frames and user
// actions.
package remote

import (
	"github.com/CodeForgeNet/virtualme/internal/store"
	"github.com/CodeForgeNet/virtualme/internal/stt"
)

// MessageType identifies an envelope.
type MessageType string

// Server to page.
const (
	TypeCaptureStart    MessageType = "capture.start"
	TypeCaptureStop     MessageType = "capture.stop"
	TypeAudioSource     MessageType = "audio.source"
	TypeAudioPlay       MessageType = "audio.play"
	TypeAudioPause      MessageType = "audio.pause"
	TypeAudioRelease    MessageType = "audio.release"
	TypeAnalyserCreate  MessageType = "analyser.create"
	TypeAnalyserRelease MessageType = "analyser.release"
	TypeMorph           MessageType = "morph"
	TypeState           MessageType = "state"
	TypeError           MessageType = "error"
)

// Page to server.
const (
	TypeCaptureResult       MessageType = "capture.result"
	TypeCaptureError        MessageType = "capture.error"
	TypeCaptureEnd          MessageType = "capture.end"
	TypeAudioCanPlayThrough MessageType = "audio.canplaythrough"
	TypeAudioEnded          MessageType = "audio.ended"
	TypeSpectrum            MessageType = "audio.spectrum"

	TypeListenStart     MessageType = "listen.start"
	TypeListenStop      MessageType = "listen.stop"
	TypeSubmit          MessageType = "submit"
	TypeSpeakStop       MessageType = "speak.stop"
	TypeAvatarMounted   MessageType = "avatar.mounted"
	TypeAvatarUnmounted MessageType = "avatar.unmounted"
)

// Morph is one morph-target weight.
type Morph struct {
	Name   string  `json:"name"`
	Index  int     `json:"index"`
	Weight float32 `json:"weight"`
}

// Envelope is the single wire message shape. Seq ties capture and audio
// events to the session or source they belong to.
type Envelope struct {
	Type MessageType `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`

	Text    string       `json:"text,omitempty"`
	URI     string       `json:"uri,omitempty"`
	Error   string       `json:"error,omitempty"`
	Options *stt.Options `json:"options,omitempty"`
	Result  *stt.Result  `json:"result,omitempty"`

	FFTSize int    `json:"fftSize,omitempty"`
	Bins    []byte `json:"bins,omitempty"` // base64 in JSON

	Targets []string     `json:"targets,omitempty"`
	Morph   *Morph       `json:"morph,omitempty"`
	State   *store.State `json:"state,omitempty"`
}

// IsCommand reports whether the envelope is a user action rather than a
// platform event.
func (e *Envelope) IsCommand() bool {
	switch e.Type {
	case TypeListenStart, TypeListenStop, TypeSubmit, TypeSpeakStop, TypeAvatarMounted, TypeAvatarUnmounted:
		return true
	}
	return false
}
